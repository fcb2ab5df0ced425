package loopguard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// dedupTTL is the window within which two events sharing an eventKey are
// considered the same alert (spec §4.6, §GLOSSARY).
const dedupTTL = 5 * time.Minute

// AlertRouteHandler dispatches a single event to an external sink. An
// error return is logged per route (spec §7(d), ExternalSinkError). The
// route's rate-limit slot is taken before the handler runs, so a failed
// dispatch still uses one slot of the route's budget.
type AlertRouteHandler func(Event) error

// AlertRouteFilter decides whether a route applies to an event. A nil
// filter matches every event.
type AlertRouteFilter func(Event) bool

// AlertRoute is a named dispatch target with optional filtering and
// rate limiting (spec §3, AlertRoute).
type AlertRoute struct {
	Name      string
	Filter    AlertRouteFilter
	Handler   AlertRouteHandler
	Enabled   bool
	PerMinute int // 0 disables rate limiting for this route
	PerHour   int

	limiter *catrate.Limiter
}

func (r *AlertRoute) allow() (time.Time, bool) {
	if r.limiter == nil {
		return time.Time{}, true
	}
	return r.limiter.Allow(r.Name)
}

// AlertRouter filters, deduplicates, rate-limits, and dispatches events to
// an ordered list of routes (spec §4.6). Per-route rate limiting is
// wired directly onto github.com/joeycumines/go-catrate's Limiter, whose
// sliding-window-per-duration Allow(category) is exactly the atomic
// trim-then-check-then-record operation the spec describes for 60s/3600s
// windows — reimplementing it would duplicate a pack dependency the
// teacher's own go.mod already requires.
type AlertRouter struct {
	mu     sync.Mutex
	routes []*AlertRoute
	dedup  map[string]time.Time
	logger Logger
}

// NewAlertRouter creates an empty router. logger receives UserHandlerError/
// ExternalSinkError diagnostics; pass [NoOpLogger]{} to discard them.
func NewAlertRouter(logger Logger) *AlertRouter {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &AlertRouter{dedup: make(map[string]time.Time), logger: logger}
}

// AddRoute appends route to the ordered list, building its rate limiter
// if PerMinute/PerHour are set. Route dispatch order follows insertion
// order (spec §4.6 step 3).
func (ar *AlertRouter) AddRoute(route *AlertRoute) {
	if route.PerMinute > 0 || route.PerHour > 0 {
		rates := make(map[time.Duration]int)
		if route.PerMinute > 0 {
			rates[time.Minute] = route.PerMinute
		}
		if route.PerHour > 0 {
			rates[time.Hour] = route.PerHour
		}
		route.limiter = catrate.NewLimiter(rates)
	}
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.routes = append(ar.routes, route)
}

// RemoveRoute removes the first route with the given name, reporting
// whether one was found.
func (ar *AlertRouter) RemoveRoute(name string) bool {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	for i, r := range ar.routes {
		if r.Name == name {
			ar.routes = append(ar.routes[:i], ar.routes[i+1:]...)
			return true
		}
	}
	return false
}

// eventKey renders spec.md §4.6's dedup key: kind:file:line.
func eventKey(e Event) string {
	return fmt.Sprintf("%s:%s:%d", e.Kind, e.File, e.Line)
}

// Route dispatches event per spec.md §4.6's algorithm: dedup check, then
// each enabled route in insertion order gated by its filter and rate
// limit, with handler panics/errors contained so one misbehaving route
// never blocks the rest.
func (ar *AlertRouter) Route(event Event) {
	key := eventKey(event)

	ar.mu.Lock()
	ar.trimDedupLocked(timeNow())
	if last, ok := ar.dedup[key]; ok && timeNow().Sub(last) < dedupTTL {
		ar.mu.Unlock()
		return
	}
	routes := make([]*AlertRoute, len(ar.routes))
	copy(routes, ar.routes)
	ar.mu.Unlock()

	dispatched := false
	for _, route := range routes {
		if !route.Enabled {
			continue
		}
		if route.Filter != nil && !route.Filter(event) {
			continue
		}
		if _, ok := route.allow(); !ok {
			logWarn(ar.logger, "alert-router", "rate limit exceeded, skipping route", map[string]any{"route": route.Name})
			continue
		}
		if err := ar.invoke(route, event); err != nil {
			logError(ar.logger, "alert-router", "route handler failed", err, map[string]any{"route": route.Name})
			continue
		}
		dispatched = true
	}

	if dispatched {
		ar.mu.Lock()
		ar.dedup[key] = timeNow()
		ar.mu.Unlock()
	}
}

// invoke calls route.Handler, converting a panic into an error so it is
// logged and contained rather than propagated (spec §4.6: "Handler
// exceptions are logged but do not abort iteration").
func (ar *AlertRouter) invoke(route *AlertRoute, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExternalSinkError{Route: route.Name, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	return route.Handler(event)
}

// trimDedupLocked drops dedup entries older than dedupTTL. Called with
// ar.mu held.
func (ar *AlertRouter) trimDedupLocked(now time.Time) {
	for k, t := range ar.dedup {
		if now.Sub(t) >= dedupTTL {
			delete(ar.dedup, k)
		}
	}
}

// --- built-in route factories (spec §4.6: "convenience: the router
// itself is transport-agnostic") ---

// NewHTTPWebhookRoute posts the event as JSON to url.
func NewHTTPWebhookRoute(name, url string, client *http.Client) *AlertRoute {
	if client == nil {
		client = http.DefaultClient
	}
	return &AlertRoute{
		Name:    name,
		Enabled: true,
		Handler: func(e Event) error {
			return postJSON(client, url, e)
		},
	}
}

// chatAttachment mirrors the common Slack/Teams-style "attachment" shape
// used by chat-channel incoming webhooks.
type chatAttachment struct {
	Text     string            `json:"text"`
	Color    string            `json:"color"`
	Fields   map[string]string `json:"fields,omitempty"`
	Kind     Kind              `json:"kind"`
	Severity Severity          `json:"severity"`
}

func severityColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "danger"
	case SeverityError:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

// NewChatWebhookRoute posts a structured attachment payload suitable for
// Slack/Teams-style incoming webhooks.
func NewChatWebhookRoute(name, url string, client *http.Client) *AlertRoute {
	if client == nil {
		client = http.DefaultClient
	}
	return &AlertRoute{
		Name:    name,
		Enabled: true,
		Handler: func(e Event) error {
			payload := chatAttachment{
				Text:     fmt.Sprintf("%s at %s:%d — %s", e.Kind, e.File, e.Line, e.Suggestion),
				Color:    severityColor(e.Severity),
				Kind:     e.Kind,
				Severity: e.Severity,
			}
			return postJSON(client, url, payload)
		},
	}
}

// incidentPayload is the minimal shape common incident-management webhooks
// (PagerDuty-Events-API-style) expect.
type incidentPayload struct {
	Summary   string         `json:"summary"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewIncidentWebhookRoute posts an incident-system-compatible payload.
func NewIncidentWebhookRoute(name, url string, client *http.Client) *AlertRoute {
	if client == nil {
		client = http.DefaultClient
	}
	return &AlertRoute{
		Name:    name,
		Enabled: true,
		Handler: func(e Event) error {
			payload := incidentPayload{
				Summary:   fmt.Sprintf("%s: %s", e.Kind, e.Suggestion),
				Severity:  e.Severity,
				Source:    e.Source,
				Details:   e.Payload,
				Timestamp: e.Timestamp,
			}
			return postJSON(client, url, payload)
		},
	}
}

func postJSON(client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
