// Package startup runs preflight diagnostics before the guard starts
// serving.
package startup

import (
	"context"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"abuse-guard/internal/config"
)

// Status is the outcome of one check.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

var statusNames = [...]string{"OK", "WARNING", "ERROR", "SKIPPED"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// DiagnosticResult is the outcome of one named check.
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Pinger checks the shared store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Diagnostics collects check results against one configuration.
type Diagnostics struct {
	cfg     *config.Config
	logger  *slog.Logger
	results []DiagnosticResult
}

func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{cfg: cfg, logger: logger.With("component", "startup")}
}

// RunAll runs every check. The store check is skipped when store is nil.
func (d *Diagnostics) RunAll(ctx context.Context, store Pinger) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkRuntime()
	d.checkConfiguration()
	d.checkPort()
	d.checkSecurity()
	d.checkNotifications()
	d.checkStore(ctx, store)

	d.logSummary()
	return d.results
}

// record appends a result. details alternates keys and values.
func (d *Diagnostics) record(name string, status Status, msg string, details ...string) {
	r := DiagnosticResult{Name: name, Status: status, Message: msg}
	attrs := []any{"check", name, "status", status.String(), "message", msg}
	if len(details) > 0 {
		r.Details = make(map[string]string, len(details)/2)
		for i := 0; i+1 < len(details); i += 2 {
			r.Details[details[i]] = details[i+1]
			attrs = append(attrs, details[i], details[i+1])
		}
	}
	d.results = append(d.results, r)

	level := map[Status]slog.Level{
		StatusOK:      slog.LevelInfo,
		StatusWarning: slog.LevelWarn,
		StatusError:   slog.LevelError,
		StatusSkipped: slog.LevelDebug,
	}[status]
	d.logger.Log(context.Background(), level, "diagnostic check", attrs...)
}

func (d *Diagnostics) checkRuntime() {
	d.record("runtime", StatusOK, "Go runtime detected",
		"go_version", runtime.Version(),
		"platform", runtime.GOOS+"/"+runtime.GOARCH,
		"cpus", strconv.Itoa(runtime.NumCPU()),
	)
}

func (d *Diagnostics) checkConfiguration() {
	path := os.Getenv("GUARD_CONFIG_PATH")
	if path == "" {
		path = "configs/config.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		d.record("config_file", StatusWarning, "config file not found, running on defaults", "path", path)
	} else {
		d.record("config_file", StatusOK, "config file found", "path", path)
	}

	if err := d.cfg.Validate(); err != nil {
		d.record("config_validation", StatusError, "configuration is invalid: "+err.Error())
		return
	}
	d.record("config_validation", StatusOK, "configuration is valid")

	if pf := d.cfg.Detection.PatternsFile; pf != "" {
		if _, err := os.Stat(pf); err != nil {
			d.record("patterns_file", StatusError, "patterns file is not readable", "path", pf)
		} else {
			d.record("patterns_file", StatusOK, "patterns file found", "path", pf)
		}
	}
}

func (d *Diagnostics) checkPort() {
	port := strconv.Itoa(d.cfg.Server.HTTPPort)
	l, err := net.Listen("tcp", ":"+port)
	if err != nil {
		d.record("port_http", StatusError, "port unavailable: "+err.Error(), "port", port)
		return
	}
	l.Close()
	d.record("port_http", StatusOK, "port available", "port", port)
}

func (d *Diagnostics) checkSecurity() {
	if d.cfg.Auth.Enabled {
		d.record("auth", StatusOK, "API key authentication enabled")
	} else {
		d.record("auth", StatusWarning, "API key authentication disabled",
			"recommendation", "set auth.enabled=true or GUARD_API_KEY")
	}

	switch {
	case d.cfg.Audit.HMACKey != "":
		d.record("audit_integrity", StatusOK, "audit records are signed")
	case d.cfg.Server.Production:
		d.record("audit_integrity", StatusError, "no audit HMAC key in production mode",
			"recommendation", "set GUARD_AUDIT_HMAC_KEY")
	default:
		d.record("audit_integrity", StatusWarning, "audit records are signed with an ephemeral key")
	}

	if d.cfg.BlockList.FailPolicy == "closed" {
		d.record("fail_policy", StatusWarning, "block list fails closed, a store outage refuses all traffic")
	} else {
		d.record("fail_policy", StatusOK, "block list fails open except for recently blocked identifiers")
	}

	if d.cfg.Server.TrustProxy {
		d.record("trust_proxy", StatusWarning, "forwarding headers are trusted, the proxy must overwrite them")
	}
}

func (d *Diagnostics) checkNotifications() {
	n := d.cfg.Notifications
	channels := len(n.ShoutrrrURLs)
	if n.Webhook.URL != "" {
		channels++
	}
	if n.Kafka.Enabled {
		channels++
	}
	if channels == 0 {
		d.record("notifications", StatusWarning, "no notification channel, admin alerts go to the log only")
		return
	}
	d.record("notifications", StatusOK, "notification channels configured", "channels", strconv.Itoa(channels))
}

func (d *Diagnostics) checkStore(ctx context.Context, store Pinger) {
	if d.cfg.Store.Type == "memory" {
		d.record("store_mode", StatusWarning, "in-memory store, state is not shared between instances")
	}
	if store == nil {
		d.record("store_connectivity", StatusSkipped, "no store to check")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		d.record("store_connectivity", StatusError, "store unreachable: "+err.Error(), "addr", d.cfg.Redis.Addr)
		return
	}
	d.record("store_connectivity", StatusOK, "store reachable")
}

func (d *Diagnostics) count() map[Status]int {
	counts := make(map[Status]int, len(statusNames))
	for _, r := range d.results {
		counts[r.Status]++
	}
	return counts
}

func (d *Diagnostics) logSummary() {
	c := d.count()
	d.logger.Info("diagnostics summary",
		"passed", c[StatusOK],
		"warnings", c[StatusWarning],
		"errors", c[StatusError],
		"skipped", c[StatusSkipped],
	)
	switch {
	case c[StatusError] > 0:
		d.logger.Error("startup diagnostics found critical errors")
	case c[StatusWarning] > 0:
		d.logger.Warn("startup diagnostics found warnings, review before production")
	}
}

// HasErrors reports whether any check failed.
func (d *Diagnostics) HasErrors() bool { return d.count()[StatusError] > 0 }

// HasWarnings reports whether any check warned.
func (d *Diagnostics) HasWarnings() bool { return d.count()[StatusWarning] > 0 }
