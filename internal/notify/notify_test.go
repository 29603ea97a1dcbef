package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-sec/nightwatch/internal/config"
	"github.com/nightwatch-sec/nightwatch/internal/testutil"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

func fullConfig() config.NotificationConfig {
	return config.NotificationConfig{
		Enabled:                true,
		SMTPHost:               "smtp.example.com",
		SMTPPort:               587,
		SMTPUser:               "user@example.com",
		SMTPPassword:           "hunter2",
		SMTPFromAddress:        "alerts@example.com",
		SMTPUseTLS:             true,
		DefaultEmailRecipients: []string{"homeowner@example.com"},
		DefaultWebhookURL:      "https://hooks.example.com/security",
		WebhookTimeoutSeconds:  30,
	}
}

func minimalConfig() config.NotificationConfig {
	return config.NotificationConfig{Enabled: true}
}

// stubChannel records deliveries and returns a fixed outcome.
type stubChannel struct {
	kind    types.ChannelKind
	outcome Outcome
	calls   int
}

func (c *stubChannel) Kind() types.ChannelKind { return c.kind }

func (c *stubChannel) Deliver(_ context.Context, _ *types.Alert) Outcome {
	c.calls++
	return c.outcome
}

func successOutcome(kind types.ChannelKind) Outcome {
	now := time.Now().UTC()
	return Outcome{Channel: kind, Success: true, DeliveredAt: &now}
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

func TestDeliverEmptyChannelSetIsNoOp(t *testing.T) {
	o := NewOrchestrator(minimalConfig(), testutil.NewTestLogger())
	alert := testutil.FixtureAlert(1, func(a *types.Alert) { a.Channels = nil })

	result := o.Deliver(context.Background(), alert, nil, nil)

	assert.True(t, result.AllSuccessful)
	assert.Empty(t, result.Outcomes)
}

func TestDeliverResolutionPrecedence(t *testing.T) {
	o := NewOrchestrator(minimalConfig(), testutil.NewTestLogger())
	email := &stubChannel{kind: types.ChannelEmail, outcome: successOutcome(types.ChannelEmail)}
	webhook := &stubChannel{kind: types.ChannelWebhook, outcome: successOutcome(types.ChannelWebhook)}
	o.Register(email)
	o.Register(webhook)

	alert := testutil.FixtureAlert(1, func(a *types.Alert) {
		a.Channels = []types.ChannelKind{types.ChannelEmail}
	})
	rule := testutil.FixtureRule(func(r *types.AlertRule) {
		r.Channels = []types.ChannelKind{types.ChannelWebhook}
	})

	t.Run("explicit wins over alert and rule", func(t *testing.T) {
		result := o.Deliver(context.Background(), alert, &rule, []types.ChannelKind{types.ChannelWebhook})
		require.Len(t, result.Outcomes, 1)
		assert.Equal(t, types.ChannelWebhook, result.Outcomes[0].Channel)
	})

	t.Run("alert channels win over rule", func(t *testing.T) {
		result := o.Deliver(context.Background(), alert, &rule, nil)
		require.Len(t, result.Outcomes, 1)
		assert.Equal(t, types.ChannelEmail, result.Outcomes[0].Channel)
	})

	t.Run("rule channels are the fallback", func(t *testing.T) {
		bare := testutil.FixtureAlert(1, func(a *types.Alert) { a.Channels = nil })
		result := o.Deliver(context.Background(), bare, &rule, nil)
		require.Len(t, result.Outcomes, 1)
		assert.Equal(t, types.ChannelWebhook, result.Outcomes[0].Channel)
	})
}

func TestDeliverUnknownChannelDoesNotAbortOthers(t *testing.T) {
	o := NewOrchestrator(minimalConfig(), testutil.NewTestLogger())
	email := &stubChannel{kind: types.ChannelEmail, outcome: successOutcome(types.ChannelEmail)}
	o.Register(email)

	alert := testutil.FixtureAlert(1, func(a *types.Alert) {
		a.Channels = []types.ChannelKind{"carrier_pigeon", types.ChannelEmail}
	})

	result := o.Deliver(context.Background(), alert, nil, nil)

	require.Len(t, result.Outcomes, 2)
	assert.False(t, result.AllSuccessful)
	assert.Equal(t, "unknown_channel:carrier_pigeon", result.Outcomes[0].Error)
	assert.True(t, result.Outcomes[1].Success)
	assert.Equal(t, 1, email.calls)
}

func TestDeliverPartialFailure(t *testing.T) {
	o := NewOrchestrator(minimalConfig(), testutil.NewTestLogger())
	o.Register(&stubChannel{kind: types.ChannelEmail, outcome: successOutcome(types.ChannelEmail)})
	o.Register(&stubChannel{kind: types.ChannelWebhook, outcome: Outcome{
		Channel: types.ChannelWebhook, Error: "webhook_http_503",
	}})

	alert := testutil.FixtureAlert(1, func(a *types.Alert) {
		a.Channels = []types.ChannelKind{types.ChannelEmail, types.ChannelWebhook}
	})

	result := o.Deliver(context.Background(), alert, nil, nil)

	assert.False(t, result.AllSuccessful)
	require.Len(t, result.Outcomes, 2)
	assert.True(t, result.Outcomes[0].Success)
	assert.Equal(t, "webhook_http_503", result.Outcomes[1].Error)
}

func TestDeliverDisabledOrchestratorSkips(t *testing.T) {
	cfg := fullConfig()
	cfg.Enabled = false
	o := NewOrchestrator(cfg, testutil.NewTestLogger())
	email := &stubChannel{kind: types.ChannelEmail, outcome: successOutcome(types.ChannelEmail)}
	o.Register(email)

	alert := testutil.FixtureAlert(1)
	result := o.Deliver(context.Background(), alert, nil, nil)

	assert.True(t, result.AllSuccessful)
	assert.Empty(t, result.Outcomes)
	assert.Equal(t, 0, email.calls)
}

func TestOutcomesMetadata(t *testing.T) {
	now := time.Now().UTC()
	rendered := OutcomesMetadata([]Outcome{
		{Channel: types.ChannelEmail, Success: true, DeliveredAt: &now, Recipient: "a@b.c"},
		{Channel: types.ChannelPush, Success: false, Error: "not_yet_implemented"},
	})

	require.Len(t, rendered, 2)
	assert.Equal(t, "email", rendered[0]["channel"])
	assert.Equal(t, true, rendered[0]["success"])
	assert.Equal(t, "not_yet_implemented", rendered[1]["error"])
	assert.NotContains(t, rendered[1], "delivered_at")
}

// =============================================================================
// EMAIL
// =============================================================================

func TestEmailNotConfigured(t *testing.T) {
	ch := NewEmailChannel(minimalConfig(), testutil.NewTestLogger())
	outcome := ch.Deliver(context.Background(), testutil.FixtureAlert(1))

	assert.False(t, outcome.Success)
	assert.Equal(t, "email_not_configured", outcome.Error)
}

func TestEmailNoRecipients(t *testing.T) {
	cfg := fullConfig()
	cfg.DefaultEmailRecipients = nil
	ch := NewEmailChannel(cfg, testutil.NewTestLogger())

	outcome := ch.Deliver(context.Background(), testutil.FixtureAlert(1))

	assert.False(t, outcome.Success)
	assert.Equal(t, "no_recipients", outcome.Error)
}

func TestEmailSuccess(t *testing.T) {
	ch := NewEmailChannel(fullConfig(), testutil.NewTestLogger())
	var sentMsg string
	ch.sendFn = func(_ context.Context, recipients []string, msg string) error {
		sentMsg = msg
		assert.Equal(t, []string{"homeowner@example.com"}, recipients)
		return nil
	}

	alert := testutil.FixtureAlert(42, func(a *types.Alert) {
		a.Metadata = map[string]any{"rule_name": "Night prowler"}
	})
	outcome := ch.Deliver(context.Background(), alert)

	require.True(t, outcome.Success)
	assert.NotNil(t, outcome.DeliveredAt)
	assert.Contains(t, sentMsg, "Subject: [HIGH] Security alert for event 42")
	assert.Contains(t, sentMsg, "Night prowler")
	assert.Contains(t, sentMsg, alert.DedupKey)
}

func TestEmailCustomRecipients(t *testing.T) {
	ch := NewEmailChannel(fullConfig(), testutil.NewTestLogger())
	var got []string
	ch.sendFn = func(_ context.Context, recipients []string, _ string) error {
		got = recipients
		return nil
	}

	outcome := ch.DeliverTo(context.Background(), testutil.FixtureAlert(1), []string{"custom@example.com"})

	require.True(t, outcome.Success)
	assert.Equal(t, []string{"custom@example.com"}, got)
}

func TestEmailAuthFailure(t *testing.T) {
	ch := NewEmailChannel(fullConfig(), testutil.NewTestLogger())
	ch.sendFn = func(_ context.Context, _ []string, _ string) error {
		return errors.New("authentication failed: 535 bad credentials")
	}

	outcome := ch.Deliver(context.Background(), testutil.FixtureAlert(1))

	assert.False(t, outcome.Success)
	assert.Equal(t, "smtp_auth_failed", outcome.Error)
}

func TestEmailSMTPError(t *testing.T) {
	ch := NewEmailChannel(fullConfig(), testutil.NewTestLogger())
	ch.sendFn = func(_ context.Context, _ []string, _ string) error {
		return errors.New("connection refused")
	}

	outcome := ch.Deliver(context.Background(), testutil.FixtureAlert(1))

	assert.False(t, outcome.Success)
	assert.Equal(t, "smtp_error:connection refused", outcome.Error)
}

// =============================================================================
// WEBHOOK
// =============================================================================

func webhookConfigFor(url string) config.NotificationConfig {
	cfg := minimalConfig()
	cfg.DefaultWebhookURL = url
	cfg.WebhookTimeoutSeconds = 2
	return cfg
}

func TestWebhookSuccessPayload(t *testing.T) {
	var received webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewWebhookChannel(webhookConfigFor(server.URL), testutil.NewTestLogger())
	alert := testutil.FixtureAlert(42, func(a *types.Alert) {
		a.Metadata = map[string]any{"rule_name": "Night prowler"}
	})

	outcome := ch.Deliver(context.Background(), alert)

	require.True(t, outcome.Success)
	assert.Equal(t, server.URL, outcome.Recipient)
	assert.Equal(t, "security_alert", received.Type)
	assert.Equal(t, "home_security_intelligence", received.Source)
	assert.Equal(t, alert.ID, received.Alert.ID)
	assert.Equal(t, int64(42), received.Alert.EventID)
	assert.Equal(t, alert.DedupKey, received.Alert.DedupKey)
	assert.Equal(t, "Night prowler", received.Metadata["rule_name"])
}

func TestWebhookHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ch := NewWebhookChannel(webhookConfigFor(server.URL), testutil.NewTestLogger())
	outcome := ch.Deliver(context.Background(), testutil.FixtureAlert(1))

	assert.False(t, outcome.Success)
	assert.Equal(t, "webhook_http_503", outcome.Error)
}

func TestWebhookTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(3 * time.Second)
	}))
	defer server.Close()

	cfg := webhookConfigFor(server.URL)
	cfg.WebhookTimeoutSeconds = 1
	ch := NewWebhookChannel(cfg, testutil.NewTestLogger())

	outcome := ch.Deliver(context.Background(), testutil.FixtureAlert(1))

	assert.False(t, outcome.Success)
	assert.Equal(t, "webhook_timeout", outcome.Error)
}

func TestWebhookNotConfigured(t *testing.T) {
	ch := NewWebhookChannel(minimalConfig(), testutil.NewTestLogger())
	outcome := ch.Deliver(context.Background(), testutil.FixtureAlert(1))

	assert.False(t, outcome.Success)
	assert.Equal(t, "webhook_not_configured", outcome.Error)
}

// =============================================================================
// PUSH
// =============================================================================

func TestPushStub(t *testing.T) {
	ch := NewPushChannel()
	outcome := ch.Deliver(context.Background(), testutil.FixtureAlert(1))

	assert.False(t, outcome.Success)
	assert.Equal(t, "not_yet_implemented", outcome.Error)
}
