package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bwmarrin/discordgo"

	xerrors "AutoTip/internal/errors"
	"AutoTip/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelDiscord Channel = "discord"
)

// Event 描述一次需要告警的事件，通常是进入死信的失败执行。
type Event struct {
	Code        xerrors.Code
	Message     string
	Severity    xerrors.Severity
	Stage       string
	ExecutionID string
	AgentID     string
	RuleID      string
	Metadata    map[string]string
	OccurredAt  time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher，同一渠道以最后注册者为准。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels 返回已注册的渠道，按名称排序。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	out := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("stage", event.Stage),
		slog.String("execution_id", event.ExecutionID),
		slog.String("agent_id", event.AgentID),
		slog.String("rule_id", event.RuleID),
		slog.String("message", event.Message),
	}
	for _, k := range sortedKeys(event.Metadata) {
		attrs = append(attrs, slog.String("meta."+k, event.Metadata[k]))
	}
	logger.Audit().Warn("执行告警", attrs...)
	return nil
}

// DiscordSession 是发送 Discord 消息所需的最小能力，*discordgo.Session 满足该接口。
type DiscordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// NewDiscordSession 使用机器人令牌创建 Discord 会话。
func NewDiscordSession(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, errors.New("Discord token 不能为空")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("创建 Discord 会话失败: %w", err)
	}
	return session, nil
}

// DiscordNotifier 通过 Discord 频道发送告警。
type DiscordNotifier struct {
	Session   DiscordSession
	ChannelID string
}

// Channel 返回 Discord 渠道。
func (n *DiscordNotifier) Channel() Channel { return ChannelDiscord }

// Notify 发送 Discord 嵌入消息。
func (n *DiscordNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Session == nil || n.ChannelID == "" {
		logger.L().Warn("DiscordNotifier 未正确配置，跳过发送", slog.String("execution_id", event.ExecutionID))
		return nil
	}
	_, err := n.Session.ChannelMessageSendEmbed(n.ChannelID, buildEmbed(event), discordgo.WithContext(ctx))
	return err
}

func buildEmbed(event Event) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("[%s] %s", event.Severity, event.Code),
		Description: truncate(event.Message, 2048),
		Color:       severityColor(event.Severity),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "执行", Value: orDash(event.ExecutionID), Inline: true},
			{Name: "代理", Value: orDash(event.AgentID), Inline: true},
			{Name: "规则", Value: orDash(event.RuleID), Inline: true},
			{Name: "阶段", Value: orDash(event.Stage), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: event.OccurredAt.UTC().Format(time.RFC3339),
		},
	}
	for _, k := range sortedKeys(event.Metadata) {
		if len(embed.Fields) >= 25 {
			break
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  k,
			Value: truncate(orDash(event.Metadata[k]), 1024),
		})
	}
	return embed
}

func severityColor(severity xerrors.Severity) int {
	switch severity {
	case xerrors.SeverityCritical:
		return 0xff0000
	case xerrors.SeverityWarning:
		return 0xffff00
	default:
		return 0x3498db
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
