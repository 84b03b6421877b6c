package scheduler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"forgehome.dev/core/clock"
	"forgehome.dev/core/common"
	"forgehome.dev/core/kerrors"
	"forgehome.dev/core/store"
	"forgehome.dev/core/workflow"
)

const webhookNamespace = "webhooks/bindings"

const defaultMaxBodyBytes = 1 << 20 // 1 MiB, spec.md §6.3 default

// WebhookBinding maps a path segment to a target workflow, mirroring
// CronJob: TargetWorkflow names the workflow directly, Agent tags the fired
// trigger event's payload.
type WebhookBinding struct {
	Name           string `json:"name"`
	Secret         string `json:"secret"`
	TargetWorkflow string `json:"target_workflow"`
	Agent          string `json:"agent"`
	MaxBodyBytes   int64  `json:"max_body_bytes"`
}

// WebhookConfig configures the webhook HTTP server.
type WebhookConfig struct {
	// Addr is the loopback address to listen on, e.g. "127.0.0.1:8088".
	Addr string
	// PathPrefix precedes every binding name, e.g. "/hooks".
	PathPrefix string
	// RateLimit caps requests per second across all bindings; 0 disables
	// limiting. Grounded in http/server.go's identical knob.
	RateLimit float64
	// MaxBodyBytes is the body size limit given to a binding added
	// without one of its own; 0 means 1 MiB.
	MaxBodyBytes int64
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8088"
	}
	if c.PathPrefix == "" {
		c.PathPrefix = "/hooks"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	return c
}

// WebhookServer is the loopback-only HTTP trigger surface (spec.md
// §4.9/§6.3), grounded in http/server.go's Echo middleware stack.
type WebhookServer struct {
	st     store.Store
	clk    clock.Clock
	engine *workflow.Engine
	cfg    WebhookConfig
	log    *common.ContextLogger

	echo *echo.Echo
	srv  *http.Server
}

// NewWebhookServer builds the Echo server and routes but does not
// start listening; call Start.
func NewWebhookServer(st store.Store, clk clock.Clock, engine *workflow.Engine, cfg WebhookConfig) *WebhookServer {
	cfg = cfg.withDefaults()
	w := &WebhookServer{
		st:     st,
		clk:    clk,
		engine: engine,
		cfg:    cfg,
		log:    common.ComponentLogger("scheduler.webhook"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M"))
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}
	e.POST(cfg.PathPrefix+"/:name", w.handle)
	w.echo = e
	return w
}

// Start begins listening on cfg.Addr in the background.
func (w *WebhookServer) Start() {
	w.srv = &http.Server{Addr: w.cfg.Addr, Handler: w.echo}
	go func() {
		if err := w.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.log.WithError(err).Error("webhook server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts down the webhook server.
func (w *WebhookServer) Stop(ctx context.Context) error {
	if w.srv == nil {
		return nil
	}
	return w.srv.Shutdown(ctx)
}

// AddBinding registers a new webhook binding.
func (w *WebhookServer) AddBinding(ctx context.Context, name, secret, targetWorkflow, agent string, maxBodyBytes int64) error {
	if name == "" || targetWorkflow == "" {
		return kerrors.New(kerrors.KindUsage, "binding name and target workflow must not be empty")
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = w.cfg.MaxBodyBytes
	}
	binding := WebhookBinding{
		Name:           name,
		Secret:         secret,
		TargetWorkflow: targetWorkflow,
		Agent:          agent,
		MaxBodyBytes:   maxBodyBytes,
	}
	data, err := json.Marshal(binding)
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "marshal webhook binding", err)
	}
	if err := w.st.Put(ctx, webhookNamespace, name, data, 0); err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "persist webhook binding", err)
	}
	return nil
}

// RemoveBinding deletes a webhook binding.
func (w *WebhookServer) RemoveBinding(ctx context.Context, name string) error {
	existed, err := w.st.Delete(ctx, webhookNamespace, name)
	if err != nil {
		return kerrors.Wrap(kerrors.KindStorage, "delete webhook binding", err)
	}
	if !existed {
		return kerrors.New(kerrors.KindNotFound, "webhook binding "+name+" not found")
	}
	return nil
}

// ListBindings returns every persisted webhook binding.
func (w *WebhookServer) ListBindings(ctx context.Context) ([]WebhookBinding, error) {
	recs, err := w.st.Scan(ctx, webhookNamespace, "", w.clk.Now())
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindStorage, "scan webhook bindings", err)
	}
	out := make([]WebhookBinding, 0, len(recs))
	for _, rec := range recs {
		var b WebhookBinding
		if json.Unmarshal(rec.Value, &b) != nil {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (w *WebhookServer) lookupBinding(ctx context.Context, name string) (WebhookBinding, bool, error) {
	rec, ok, err := w.st.Get(ctx, webhookNamespace, name)
	if err != nil {
		return WebhookBinding{}, false, err
	}
	if !ok {
		return WebhookBinding{}, false, nil
	}
	var b WebhookBinding
	if err := json.Unmarshal(rec.Value, &b); err != nil {
		return WebhookBinding{}, false, err
	}
	return b, true, nil
}

// handle implements POST <prefix>/<binding> exactly per spec.md §6.3:
// 404 unknown binding, 413 oversize body (rejected before any side
// effect), 401 signature mismatch, 400 malformed JSON, 202 + run_id on
// success.
func (w *WebhookServer) handle(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	binding, ok, err := w.lookupBinding(ctx, name)
	if err != nil {
		w.log.WithError(err).Error("failed to look up webhook binding")
		return c.NoContent(http.StatusInternalServerError)
	}
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}

	limit := binding.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, limit+1))
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}
	if int64(len(body)) > limit {
		return c.NoContent(http.StatusRequestEntityTooLarge)
	}

	if binding.Secret != "" && !validSignature(c.Request().Header.Get("X-Signature"), binding.Secret, body) {
		return c.NoContent(http.StatusUnauthorized)
	}

	payload := map[string]any{}
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		if len(body) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				return c.NoContent(http.StatusBadRequest)
			}
		}
	} else {
		payload["raw_body"] = body
	}
	payload["agent"] = binding.Agent

	runID, err := w.engine.Trigger(ctx, binding.TargetWorkflow, payload)
	if err != nil {
		w.log.WithError(err).Warnf("webhook binding %s failed to trigger workflow %s", name, binding.TargetWorkflow)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

func validSignature(header, secret string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)
	return hmac.Equal(got, want)
}
