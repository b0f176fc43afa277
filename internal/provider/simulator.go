package provider

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Simulator pretends to send. Used when SMS_SIMULATE is on.
type Simulator struct {
	Latency time.Duration
}

func (s *Simulator) Send(ctx context.Context, req SendRequest) (*Result, error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	sid := "SIM" + strings.ReplaceAll(uuid.NewString(), "-", "")
	log.Debug().Str("to", req.To).Str("provider_sid", sid).Msg("🔧 Simulated SMS send")
	return &Result{SID: sid, Status: "sent", RawStatus: "simulated"}, nil
}

var _ Sender = (*Simulator)(nil)
