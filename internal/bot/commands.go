package bot

import (
	"context"
	"log/slog"
	"slices"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
)

// Built-in commands. The per-user clear command is configurable.
const (
	cmdClearAll     = "#清除所有"
	cmdReloadConfig = "#更新配置"
)

// command handles the chat commands. ok is false when in is an ordinary
// query.
func (b *Bot) command(ctx context.Context, in bus.InboundMessage, cfg config.BotConfig) (bus.Reply, bool) {
	clearCmds := []string(cfg.ClearMemoryCommands)
	if len(clearCmds) == 0 {
		clearCmds = []string{config.DefaultClearMemoryCommand}
	}

	switch {
	case slices.Contains(clearCmds, in.Content):
		b.sessions.Clear(ctx, in.SessionID)
		slog.Info("session memory cleared", "session", in.SessionID)
		return bus.Reply{Type: bus.ReplyInfo, Content: msgMemoryCleared}, true

	case in.Content == cmdClearAll:
		b.sessions.ClearAll(ctx)
		slog.Info("all session memory cleared", "by", in.SessionID)
		return bus.Reply{Type: bus.ReplyInfo, Content: msgAllMemoryCleared}, true

	case in.Content == cmdReloadConfig:
		if b.reload != nil {
			if err := b.reload(ctx); err != nil {
				slog.Error("config reload failed", "error", err)
				return errorReply(msgReloadFailed), true
			}
		}
		slog.Info("config reloaded by command", "by", in.SessionID)
		return bus.Reply{Type: bus.ReplyInfo, Content: msgConfigReloaded}, true
	}
	return bus.Reply{}, false
}
