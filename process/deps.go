package process

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/procflow/procflow-go/process/model"
	"github.com/procflow/procflow-go/process/tool"
)

// DBConnection describes a database a DATABASE_QUERY node may use. When DB
// is nil the executor opens it from Type and URL; mysql and sqlite open
// natively, other engines must inject an opened pool.
type DBConnection struct {
	Type string // "mysql", "sqlite", "postgres", ...
	URL  string
	DB   *sql.DB
}

// Notification is a delivery request handed to the host's notifier.
type Notification struct {
	Channel      string // "email", "sms", "push", "in_app"
	Recipients   []string
	Title        string
	Message      string
	TemplateID   string
	TemplateData map[string]interface{}
	Priority     string
	Config       map[string]interface{}
}

// NotificationService delivers notifications through host channels.
type NotificationService interface {
	Send(ctx context.Context, n Notification) (map[string]interface{}, error)
}

// AssigneeDescriptor selects users from the organization directory.
type AssigneeDescriptor struct {
	// Kind is one of dynamic_manager, department_manager,
	// department_by_name, management_chain, role, group, expression,
	// or users (literal ids).
	Kind       string
	Department string
	Level      int
	Role       string
	Group      string
	Expression string
	UserIDs    []string
}

// DirectoryUser is a resolved organization member.
type DirectoryUser struct {
	ID           string
	Email        string
	ManagerID    string
	DepartmentID string
	Extra        map[string]interface{}
}

// UserDirectory resolves assignee descriptors against the host's
// organization model.
type UserDirectory interface {
	// ResolveAssignees returns user ids for a descriptor. procCtx carries
	// process context (requester id, variables) for dynamic kinds.
	ResolveAssignees(ctx context.Context, desc AssigneeDescriptor, procCtx map[string]interface{}, orgID string) ([]string, error)

	// GetUser fetches one member by id.
	GetUser(ctx context.Context, userID, orgID string) (*DirectoryUser, error)
}

// QueuePublisher publishes to brokers the engine has no native client for.
type QueuePublisher interface {
	Publish(ctx context.Context, target, topic string, message interface{}) error
}

// FileRef locates a document for text extraction.
type FileRef struct {
	ID       string
	Path     string
	Name     string
	MimeType string
}

// TextExtractor extracts text from rich document types (PDF, DOCX, ...).
// Plain text and CSV are handled natively by the file executor.
type TextExtractor interface {
	Extract(ctx context.Context, ref FileRef) (string, error)
}

// RenderRequest asks for a generated document.
type RenderRequest struct {
	Format       string // "pdf", "docx", "xlsx", "txt"
	Title        string
	Instructions string
	Data         interface{}
	OutputDir    string
}

// RenderedDocument describes a generated file.
type RenderedDocument struct {
	Title    string
	Format   string
	Path     string
	Filename string
	Size     int64
}

// DocumentRenderer generates documents. The file executor renders txt
// natively and delegates everything else here.
type DocumentRenderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderedDocument, error)
}

// DefinitionResolver looks up process definitions by id, for SUB_PROCESS
// nodes that reference rather than inline their child definition.
type DefinitionResolver interface {
	Get(ctx context.Context, id string) (*Definition, error)
}

// AIGuardrails tunes the output-verification pass on AI task nodes.
type AIGuardrails struct {
	// NumericTolerance is the allowed relative deviation between numbers
	// the model reports and numbers present in its input. Zero uses the
	// default of 0.10.
	NumericTolerance float64

	// MinAnswerLength flags shorter non-empty answers as suspiciously
	// vague. Zero uses the default of 10.
	MinAnswerLength int

	// FailOnWarning turns verification findings into node failures
	// instead of warning logs.
	FailOnWarning bool
}

// Dependencies bundles everything executors may need. Nil fields disable
// the features that require them; the affected executors fail with a
// configuration error naming the missing dependency.
type Dependencies struct {
	// Model serves AI_TASK nodes.
	Model     model.ChatClient
	ModelName string

	// Guardrails tunes AI output verification.
	Guardrails AIGuardrails

	// Tools and the allow/deny lists serve TOOL_CALL nodes. An empty
	// allow list permits every registered tool not explicitly denied.
	Tools        map[string]tool.Tool
	AllowedTools []string
	DeniedTools  []string

	// HTTPClient serves HTTP_REQUEST and webhook publishing. Nil uses
	// http.DefaultClient.
	HTTPClient *http.Client

	// Databases maps connection names to DATABASE_QUERY targets.
	Databases map[string]DBConnection

	// Notifier delivers NOTIFICATION node messages.
	Notifier NotificationService

	// Directory resolves APPROVAL / HUMAN_TASK / NOTIFICATION assignees.
	Directory UserDirectory

	// Redis serves MESSAGE_QUEUE redis targets.
	Redis redis.UniversalClient

	// Queue serves MESSAGE_QUEUE targets with no native client.
	Queue QueuePublisher

	// Extractor and Renderer serve FILE_OPERATION rich-document modes.
	Extractor TextExtractor
	Renderer  DocumentRenderer

	// Definitions resolves SUB_PROCESS definition references.
	Definitions DefinitionResolver

	// OutputRoot is the directory under which per-execution output
	// directories are created for FILE_OPERATION nodes.
	OutputRoot string

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

func (d *Dependencies) now() time.Time {
	if d != nil && d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d *Dependencies) httpClient() *http.Client {
	if d != nil && d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

// ExecContext is the per-execution context handed to executors alongside
// the node and state.
type ExecContext struct {
	Deps *Dependencies

	ExecutionID string
	OrgID       string
	AgentID     string
	UserID      string
	TriggerType string

	// Depth is the sub-process nesting depth, zero for root executions.
	Depth int

	// OutputDir is the execution-scoped directory FILE_OPERATION nodes
	// are confined to.
	OutputDir string

	// engine links back for SUB_PROCESS recursion; nil in unit tests
	// that exercise executors directly.
	engine *Engine
}

func (ec *ExecContext) now() time.Time {
	return ec.Deps.now()
}

// processContext is the descriptor map handed to directory resolution.
func (ec *ExecContext) processContext(st *State) map[string]interface{} {
	return map[string]interface{}{
		"execution_id": ec.ExecutionID,
		"org_id":       ec.OrgID,
		"user_id":      ec.UserID,
		"variables":    st.Variables(),
	}
}
