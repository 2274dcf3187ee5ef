package session

import (
	"github.com/foxseedlab/koe-relay/internal/config"
	"github.com/foxseedlab/koe-relay/internal/repository"
	"github.com/foxseedlab/koe-relay/internal/upstream"
	"github.com/foxseedlab/koe-relay/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		dialer := do.MustInvoke[upstream.Dialer](i)
		repo := do.MustInvoke[repository.Repository](i)
		wh := do.MustInvoke[webhook.Sender](i)
		return NewManager(OptionsFromConfig(cfg), dialer, repo, wh, cfg.TranscriptTimezone, cfg.TranscriptLocation()), nil
	})
}
