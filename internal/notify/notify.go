// Package notify delivers engine notices to users over email, webhooks and logs.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Notifier matches the engine's notification port.
type Notifier interface {
	Notify(ctx context.Context, user models.User, notice models.Notice) error
}

// Multi fans a notice out to every channel. All channels are attempted; the
// returned error reports the first failure.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, user models.User, notice models.Notice) error {
	var (
		first  error
		failed int
	)
	for _, n := range m {
		if err := n.Notify(ctx, user, notice); err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if first != nil {
		return errors.Wrapf(first, "%d of %d channels failed", failed, len(m))
	}
	return nil
}

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	logger logrus.FieldLogger
}

func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, user models.User, notice models.Notice) error {
	n.logger.WithFields(logrus.Fields{
		"user_id":     user.ID,
		"kind":        notice.Kind,
		"instance_id": notice.InstanceID,
		"definition":  notice.DefinitionID,
		"step_id":     notice.StepID,
	}).Info(Subject(notice))
	return nil
}

// Subject renders a one-line summary of the notice.
func Subject(notice models.Notice) string {
	entity := notice.EntityType + " " + notice.EntityID
	switch notice.Kind {
	case models.ApprovalRequestNotice:
		return fmt.Sprintf("Approval requested: %s for %s", notice.StepName, entity)
	case models.EscalationNotice:
		return fmt.Sprintf("Escalated: %s for %s", notice.StepName, entity)
	case models.ChangesRequestedNotice:
		return fmt.Sprintf("Changes requested on %s", entity)
	case models.DecisionNotice:
		return fmt.Sprintf("Decision on %s", entity)
	}
	return fmt.Sprintf("Workflow update for %s", entity)
}

// Body renders the plain-text message for user.
func Body(user models.User, notice models.Notice) string {
	var b strings.Builder
	name := user.Name
	if name == "" {
		name = user.ID
	}
	fmt.Fprintf(&b, "Hello %s,\r\n\r\n", name)
	fmt.Fprintf(&b, "%s.\r\n", Subject(notice))
	if notice.Message != "" {
		fmt.Fprintf(&b, "\r\n%s\r\n", notice.Message)
	}
	fmt.Fprintf(&b, "\r\nWorkflow: %s (%s)\r\n", notice.InstanceID, notice.DefinitionID)
	if notice.TimeoutAt != nil {
		fmt.Fprintf(&b, "Respond before: %s\r\n", notice.TimeoutAt.UTC().Format(time.RFC1123))
	}
	return b.String()
}
