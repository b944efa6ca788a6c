package process

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
)

// messageQueueExecutor publishes a message to a broker: webhooks and
// redis pub/sub natively, anything else through the host's publisher.
//
// Config:
//
//	target   "webhook", "redis", or a host publisher target (required)
//	url      webhook endpoint
//	topic    redis channel or publisher topic
//	message  payload, interpolated (required)
type messageQueueExecutor struct {
	deps *Dependencies
}

func (x *messageQueueExecutor) Validate(node *Node) *ExecutionError {
	target := configString(node.Config, "target", "")
	if target == "" {
		return NewValidationError("MISSING_CONFIG", "queue node %s needs a target", node.ID)
	}
	if target == "webhook" && configString(node.Config, "url", "") == "" {
		return NewValidationError("MISSING_CONFIG", "queue node %s needs a webhook url", node.ID)
	}
	if target != "webhook" && configString(node.Config, "topic", "") == "" {
		return NewValidationError("MISSING_CONFIG", "queue node %s needs a topic", node.ID)
	}
	if _, ok := node.Config["message"]; !ok {
		return NewValidationError("MISSING_CONFIG", "queue node %s needs a message", node.ID)
	}
	return nil
}

func (x *messageQueueExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	message, err := st.InterpolateValue(node.Config["message"])
	if err != nil {
		return Failure(err)
	}
	target := configString(node.Config, "target", "")

	switch target {
	case "webhook":
		return x.publishWebhook(ctx, node, st, message)
	case "redis":
		return x.publishRedis(ctx, node, message)
	default:
		if x.deps.Queue == nil {
			return Failure(NewConfigurationError("UNSUPPORTED_QUEUE",
				"no publisher is configured for target %q", target))
		}
		topic := configString(node.Config, "topic", "")
		if pubErr := x.deps.Queue.Publish(ctx, target, topic, message); pubErr != nil {
			return Failure(wrapError(CategoryExternal, "PUBLISH_FAILED", pubErr,
				"publish to %s/%s failed: %v", target, topic, pubErr).Retryable())
		}
		return Success(map[string]interface{}{"published": true, "target": target, "topic": topic})
	}
}

func (x *messageQueueExecutor) publishWebhook(ctx context.Context, node *Node, st *State, message interface{}) *NodeResult {
	url, err := st.InterpolateString(configString(node.Config, "url", ""))
	if err != nil {
		return Failure(err)
	}
	payload, merr := json.Marshal(message)
	if merr != nil {
		return Failure(NewValidationError("INVALID_MESSAGE", "message is not serializable: %v", merr))
	}
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if reqErr != nil {
		return Failure(NewValidationError("INVALID_REQUEST", "failed to build webhook request: %v", reqErr))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, doErr := x.deps.httpClient().Do(req)
	if doErr != nil {
		return Failure(NewConnectionError("WEBHOOK_FAILED", "webhook delivery to %s failed: %v", url, doErr))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		webhookErr := newError(CategoryExternal, "WEBHOOK_REJECTED",
			"webhook %s returned status %d", url, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			webhookErr.IsRetryable = true
		}
		return Failure(webhookErr)
	}
	return Success(map[string]interface{}{"published": true, "target": "webhook", "status": resp.StatusCode})
}

func (x *messageQueueExecutor) publishRedis(ctx context.Context, node *Node, message interface{}) *NodeResult {
	if x.deps.Redis == nil {
		return Failure(NewConfigurationError("UNSUPPORTED_QUEUE", "no redis client is configured"))
	}
	topic := configString(node.Config, "topic", "")
	payload, merr := json.Marshal(message)
	if merr != nil {
		return Failure(NewValidationError("INVALID_MESSAGE", "message is not serializable: %v", merr))
	}
	if pubErr := x.deps.Redis.Publish(ctx, topic, payload).Err(); pubErr != nil {
		return Failure(wrapError(CategoryExternal, "PUBLISH_FAILED", pubErr,
			"redis publish to %s failed: %v", topic, pubErr).Retryable())
	}
	return Success(map[string]interface{}{"published": true, "target": "redis", "topic": topic})
}
