package mqtt

import (
	"errors"
	"time"

	"wiogate/internal/backup"

	"go.uber.org/zap"
)

// resendLoop wakes on a fixed interval and starts a redelivery pass when the
// broker is usable. A stale broker leaves the backup store untouched.
func (c *Client) resendLoop() {
	ticker := time.NewTicker(c.config.Backup.ResendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		if st := c.State(); !st.Usable() {
			c.log.Debug("Skipping resend cycle", zap.Stringer("state", st))
			c.metrics.ResendResult("skipped")
			if !c.sleep(c.config.Backup.SkipDelay) {
				return
			}
			continue
		}

		if !c.passes.TryGo(func() error {
			c.resendPass()
			return nil
		}) {
			c.log.Debug("Resend pass still running, skipping cycle")
		}
	}
}

// resendPass walks the backup store once, oldest first. A failed record
// stays on disk for the next pass; a malformed one is quarantined.
func (c *Client) resendPass() {
	names, err := c.store.List()
	if err != nil {
		c.log.Error("Failed to list backup files", zap.Error(err))
		return
	}
	if len(names) == 0 {
		return
	}
	c.log.Info("Resending backed up messages", zap.Int("count", len(names)))

	for _, name := range names {
		if c.ctx.Err() != nil {
			return
		}

		record, err := c.store.Load(name)
		if err != nil {
			if errors.Is(err, backup.ErrMalformed) {
				c.metrics.ResendResult("malformed")
				c.log.Error("Malformed backup file, quarantining", zap.String("file", name), zap.Error(err))
				if qerr := c.store.Quarantine(name); qerr != nil {
					c.log.Error("Failed to quarantine backup file", zap.String("file", name), zap.Error(qerr))
				}
				continue
			}
			c.log.Error("Failed to read backup file", zap.String("file", name), zap.Error(err))
			continue
		}

		if !c.sleep(c.config.Backup.PacingDelay) {
			return
		}

		if err := c.send(record.Topic, resendQoS, []byte(record.Payload)); err != nil {
			c.metrics.ResendResult("failed")
			c.log.Warn("Resend failed, keeping backup file",
				zap.String("file", name), zap.String("topic", record.Topic), zap.Error(err))
			continue
		}

		c.metrics.ResendResult("ok")
		if err := c.store.Remove(name); err != nil {
			c.log.Error("Resent message but failed to remove backup file", zap.String("file", name), zap.Error(err))
			continue
		}
		c.log.Info("Resent backed up message", zap.String("file", name), zap.String("topic", record.Topic))
	}
}

// sleep waits d and reports false when the client closed meanwhile.
func (c *Client) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}
