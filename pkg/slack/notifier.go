package slack

import (
	"context"
	"fmt"
	"time"

	"github.com/oursky/agent-fleet/pkg/coordinator"
	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/utils/channels"

	"github.com/samber/lo"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackutilsx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ExecutionsState interface {
	State() *channels.Broadcaster[*coordinator.State]
}

// Notifier posts the final status of every execution to the configured
// channels.
type Notifier struct {
	logger     *zap.Logger
	disabled   bool
	api        *slack.Client
	channels   []string
	statuses   []protocol.ExecutionStatus
	executions ExecutionsState

	notified map[string]time.Time
}

func NewNotifier(logger *zap.Logger, config *Config, executions ExecutionsState, options ...slack.Option) *Notifier {
	logger = logger.Named("slack-notifier")
	options = append([]slack.Option{slack.OptionLog(zap.NewStdLog(logger))}, options...)
	return &Notifier{
		logger:     logger,
		disabled:   config.Disabled,
		api:        slack.New(config.BotToken, options...),
		channels:   config.Channels,
		statuses:   config.GetStatuses(),
		executions: executions,
		notified:   make(map[string]time.Time),
	}
}

func (n *Notifier) Start(ctx context.Context, g *errgroup.Group) error {
	if n.disabled {
		return nil
	}

	state := n.executions.State()
	sub := state.Subscribe(ctx)
	g.Go(func() error {
		n.handle(ctx, state.Value())
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-sub.Wait():
				n.handle(ctx, s)
			}
		}
	})
	return nil
}

func (n *Notifier) handle(ctx context.Context, state *coordinator.State) {
	seen := make(map[string]struct{})
	for _, e := range state.Executions {
		seen[e.ID] = struct{}{}
		if e.FinishedAt == nil {
			continue
		}
		// An execution id may be reused once the previous run is released.
		if last, ok := n.notified[e.ID]; ok && last.Equal(*e.FinishedAt) {
			continue
		}
		n.notified[e.ID] = *e.FinishedAt

		n.logger.Info("execution ended",
			zap.String("executionID", e.ID),
			zap.String("status", string(e.Status)),
		)
		n.notify(ctx, e)
	}

	for id := range n.notified {
		if _, ok := seen[id]; !ok {
			delete(n.notified, id)
		}
	}
}

func (n *Notifier) notify(ctx context.Context, e coordinator.Execution) {
	if !lo.Contains(n.statuses, e.Status) {
		return
	}

	const colorGreen = "#16a34a" // green-600
	const colorRed = "#7f1d1d"   // red-900

	duration := e.FinishedAt.Sub(e.StartedAt).Round(time.Second)
	crashed := lo.CountBy(e.Agents, func(a coordinator.Agent) bool { return a.Crashed })

	var title, color string
	switch e.Status {
	case protocol.ExecutionStatusFinished:
		title = fmt.Sprintf("Execution %s has finished in %s.", e.ID, duration)
		color = colorGreen
	default:
		title = fmt.Sprintf("Execution %s has failed in %s.", e.ID, duration)
		color = colorRed
	}

	fields := []slack.AttachmentField{{
		Title: "Agents",
		Value: fmt.Sprintf("%d (%d crashed)", len(e.Agents), crashed),
		Short: true,
	}}
	if e.Reason != "" {
		fields = append(fields, slack.AttachmentField{
			Title: "Reason",
			Value: slackutilsx.EscapeMessage(e.Reason),
		})
	}

	msg := slack.Attachment{
		Color:      color,
		Title:      title,
		MarkdownIn: []string{"fields"},
		Fields:     fields,
	}

	for _, channelID := range n.channels {
		_, _, err := n.api.PostMessageContext(ctx, channelID, slack.MsgOptionAttachments(msg))
		if err != nil {
			n.logger.Warn("failed to send message",
				zap.Error(err),
				zap.String("channelID", channelID),
			)
		}
	}
}
