package webchat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (cm *ConvManager) SetEvictionConfig(idle, interval time.Duration) {
	if cm == nil {
		return
	}
	cm.mu.Lock()
	cm.evictIdle = idle
	cm.evictInterval = interval
	cm.mu.Unlock()
}

func (cm *ConvManager) StartEvictionLoop(ctx context.Context) {
	if cm == nil {
		return
	}
	if ctx == nil {
		panic("webchat: StartEvictionLoop requires non-nil ctx")
	}
	cm.mu.Lock()
	if cm.evictRunning {
		cm.mu.Unlock()
		return
	}
	idle := cm.evictIdle
	interval := cm.evictInterval
	if idle <= 0 || interval <= 0 {
		cm.mu.Unlock()
		return
	}
	cm.evictRunning = true
	cm.mu.Unlock()

	go cm.runEvictionLoop(ctx, interval)
}

func (cm *ConvManager) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cm.mu.Lock()
			cm.evictRunning = false
			cm.mu.Unlock()
			return
		case now := <-ticker.C:
			cm.evictIdleOnce(now)
		}
	}
}

// evictIdleOnce drops conversations that have no websockets, no queued or
// running work, and no activity for the idle period. Their logs stay in the
// store and are reloaded on next use.
func (cm *ConvManager) evictIdleOnce(now time.Time) int {
	if cm == nil {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}

	cm.mu.Lock()
	idle := cm.evictIdle
	if idle <= 0 {
		cm.mu.Unlock()
		return 0
	}
	var victims []*Conversation
	for name, conv := range cm.conns {
		if conv == nil || !shouldEvictConversation(now, idle, conv) {
			continue
		}
		delete(cm.conns, name)
		victims = append(victims, conv)
	}
	remaining := len(cm.conns)
	cm.mu.Unlock()

	for _, conv := range victims {
		cm.cleanupConversation(conv)
		cm.opts.Metrics.evicted()
		log.Info().Str("component", "webchat").Str("conv_id", conv.ID).Msg("evicted idle conversation")
	}
	if len(victims) > 0 {
		cm.opts.Metrics.setConversations(remaining)
	}
	return len(victims)
}

func shouldEvictConversation(now time.Time, idle time.Duration, conv *Conversation) bool {
	if conv.pool != nil && !conv.pool.IsEmpty() {
		return false
	}
	if conv.agent != nil && conv.agent.Busy() {
		return false
	}
	conv.mu.Lock()
	last := conv.lastActivity
	conv.mu.Unlock()
	if conv.agent != nil && conv.agent.LastActivity().After(last) {
		last = conv.agent.LastActivity()
	}
	if last.IsZero() {
		return false
	}
	return now.Sub(last) >= idle
}

func (cm *ConvManager) cleanupConversation(conv *Conversation) {
	if conv == nil {
		return
	}
	if conv.pool != nil {
		conv.pool.CloseAll()
	}
	if conv.agent != nil {
		conv.agent.Close()
	}
	cm.opts.Metrics.forget(conv.ID)
}
