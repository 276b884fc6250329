package outbox

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/store"
)

// WebhookPatch changes a registered webhook. Nil fields are left alone.
type WebhookPatch struct {
	URL     *string `json:"url,omitempty"`
	Secret  *string `json:"secret,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

// Register adds an enabled webhook. It fails with model.ErrAlreadyExists
// when the name is taken.
func Register(ctx context.Context, st store.OutboxStore, name, rawURL, secret string, at time.Time) (*model.Webhook, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, eris.Wrap(model.ErrInvalidInput, "outbox: webhook name is required")
	}
	if err := checkURL(rawURL); err != nil {
		return nil, err
	}
	if _, err := st.GetWebhook(ctx, name); err == nil {
		return nil, eris.Wrapf(model.ErrAlreadyExists, "outbox: webhook %s", name)
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	at = at.UTC()
	w := &model.Webhook{
		Name:      name,
		URL:       rawURL,
		Secret:    secret,
		Enabled:   true,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if err := st.SaveWebhook(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Update applies patch to the named webhook. Enabling a webhook clears its
// failure streak and disabled reason.
func Update(ctx context.Context, st store.OutboxStore, name string, patch WebhookPatch, at time.Time) (*model.Webhook, error) {
	w, err := st.GetWebhook(ctx, name)
	if err != nil {
		return nil, err
	}
	if patch.URL != nil {
		if err := checkURL(*patch.URL); err != nil {
			return nil, err
		}
		w.URL = *patch.URL
	}
	if patch.Secret != nil {
		w.Secret = *patch.Secret
	}
	if patch.Enabled != nil {
		if *patch.Enabled {
			w.Failures = 0
			w.DisabledReason = ""
		} else if w.Enabled {
			w.DisabledReason = "disabled by operator"
		}
		w.Enabled = *patch.Enabled
	}
	w.UpdatedAt = at.UTC()
	if err := st.SaveWebhook(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return eris.Wrapf(model.ErrInvalidInput, "outbox: webhook url %q must be an absolute http(s) url", raw)
	}
	return nil
}
