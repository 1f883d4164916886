package printeragent

import (
	"context"

	"github.com/rs/zerolog/log"
)

func accessCodeKey(serial string) string    { return "printer/" + serial + "/access_code" }
func shellPasswordKey(serial string) string { return "printer/" + serial + "/ssh_password" }

// Credential store failures never block a connection; they are logged and
// the user is asked again next time.

func (o *Orchestrator) loadCredential(ctx context.Context, key string) string {
	v, ok, err := o.cfg.Store.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("load credential")
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

func (o *Orchestrator) saveCredential(ctx context.Context, key, value string) {
	if value == "" {
		return
	}
	if err := o.cfg.Store.Set(ctx, key, value); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("save credential")
	}
}

func (o *Orchestrator) deleteCredential(ctx context.Context, key string) {
	if err := o.cfg.Store.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("delete credential")
	}
}
