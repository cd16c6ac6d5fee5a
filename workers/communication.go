package workers

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/DyNATgIT/ARK/types"
	"github.com/DyNATgIT/ARK/worker"
)

func sendEmail(_ context.Context, args map[string]any) (map[string]any, error) {
	to := stringArg(args, "to_email", "")
	template := stringArg(args, "template_id", "default_template")
	return map[string]any{
		"status":     "sent",
		"message_id": stableID("msg", to+template),
		"recipient":  to,
		"subject":    stringArg(args, "subject", "Notification"),
		"template":   template,
	}, nil
}

func sendSlackNotification(_ context.Context, args map[string]any) (map[string]any, error) {
	mentions, _ := args["mentions"].([]string)
	return map[string]any{
		"status":         "sent",
		"channel":        stringArg(args, "channel", "#general"),
		"timestamp":      "1234567890.123456",
		"mentions_count": len(mentions),
	}, nil
}

// CommunicationWorker sends email and Slack notifications. When a Notifier is
// configured under the "notifier" key, every message is also delivered through it;
// delivery failures are logged and do not change the result. It always reports success.
type CommunicationWorker struct {
	*worker.Base
	notifier Notifier
}

// NewCommunicationWorker is the registry factory for the communication capability.
func NewCommunicationWorker(cfg worker.Config) worker.Worker {
	w := &CommunicationWorker{Base: worker.NewBase("communication_agent", "Sends emails and notifications", cfg)}
	if n, ok := cfg["notifier"].(Notifier); ok {
		w.notifier = n
	}
	return w
}

func (w *CommunicationWorker) Initialize(ctx context.Context) error {
	w.SetTools(
		worker.Tool{Name: "send_email", Description: "Send a templated email", Invoke: sendEmail},
		worker.Tool{Name: "send_slack_notification", Description: "Post to a Slack channel", Invoke: sendSlackNotification},
	)
	return nil
}

func (w *CommunicationWorker) Execute(ctx context.Context, task worker.Task, state types.WorkflowState) (types.WorkerResult, error) {
	kind := task.String("type", "email")
	recipient := task.String("recipient", "")
	subject := task.String("subject", "Notification")
	message := task.String("message", "Update available")

	results := map[string]any{}
	var calls []string

	if kind == "email" || kind == "all" {
		out, err := w.Call(ctx, &calls, "send_email", map[string]any{
			"to_email":    recipient,
			"subject":     subject,
			"template_id": task.String("template", "default_template"),
			"variables":   task.Map("variables"),
		})
		if err != nil {
			return types.WorkerResult{}, err
		}
		results["email"] = out
		w.deliver(ctx, state, Notification{Channel: "email", To: recipient, Subject: subject, Message: message})
	}

	if kind == "slack" || kind == "all" {
		channel := task.String("channel", "#general")
		out, err := w.Call(ctx, &calls, "send_slack_notification", map[string]any{
			"channel":  channel,
			"message":  message,
			"mentions": task.Strings("mentions"),
		})
		if err != nil {
			return types.WorkerResult{}, err
		}
		results["slack"] = out
		w.deliver(ctx, state, Notification{Channel: "slack", To: channel, Subject: subject, Message: message})
	}

	return types.NewResult(true, results, calls...), nil
}

func (w *CommunicationWorker) deliver(ctx context.Context, state types.WorkflowState, n Notification) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Send(ctx, n); err != nil {
		w.Logger().WithError(err).WithFields(logrus.Fields{
			"workflow_id": state.WorkflowID,
			"notifier":    w.notifier.Name(),
			"channel":     n.Channel,
		}).Warn("notification_delivery_failed")
	}
}
