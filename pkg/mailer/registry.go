package mailer

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailerr"
)

// Environment keys read during backend selection.
const (
	EnvProvider = "EMAIL_PROVIDER"
	EnvFrom     = "EMAIL_FROM"
	EnvFromName = "EMAIL_FROM_NAME"
)

// Backend kinds.
const (
	KindResend     = "resend"
	KindSendGrid   = "sendgrid"
	KindPostmark   = "postmark"
	KindUnsent     = "unsent"
	KindBrevo      = "brevo"
	KindMailgun    = "mailgun"
	KindSES        = "amazon_ses"
	KindMailtrap   = "mailtrap"
	KindGraph      = "msgraph"
	KindSMTP       = "smtp"
	KindLocal      = "local"
	KindLogger     = "logger"
	KindLoggerFull = "logger_full"
)

// detectionOrder is the fixed auto-detection priority. When credentials for
// several kinds are present the earliest one wins.
var detectionOrder = []string{
	KindResend,
	KindSendGrid,
	KindPostmark,
	KindUnsent,
	KindBrevo,
	KindMailgun,
	KindSES,
	KindMailtrap,
	KindGraph,
	KindSMTP,
}

// requirements lists the variables each kind needs to be auto-detected.
var requirements = map[string][]string{
	KindResend:   {"RESEND_API_KEY"},
	KindSendGrid: {"SENDGRID_API_KEY"},
	KindPostmark: {"POSTMARK_API_KEY"},
	KindUnsent:   {"UNSENT_API_KEY"},
	KindBrevo:    {"BREVO_API_KEY"},
	KindMailgun:  {"MAILGUN_API_KEY", "MAILGUN_DOMAIN"},
	KindSES:      {"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_REGION"},
	KindMailtrap: {"MAILTRAP_API_KEY"},
	KindGraph:    {"GRAPH_TENANT_ID", "GRAPH_CLIENT_ID", "GRAPH_CLIENT_SECRET", "GRAPH_SENDER"},
	KindSMTP:     {"SMTP_HOST"},
}

// KnownKinds returns every valid EMAIL_PROVIDER value, compiled in or not.
func KnownKinds() []string {
	return append(slices.Clone(detectionOrder), KindLocal, KindLogger, KindLoggerFull)
}

// Requirements returns the variables kind needs for auto-detection.
func Requirements(kind string) []string {
	return slices.Clone(requirements[kind])
}

// Env looks up configuration values by environment variable name.
type Env interface {
	Lookup(key string) (string, bool)
}

// EnvFunc adapts a function to Env.
type EnvFunc func(key string) (string, bool)

// Lookup implements Env.
func (f EnvFunc) Lookup(key string) (string, bool) {
	return f(key)
}

// OSEnv reads the process environment.
var OSEnv Env = EnvFunc(os.LookupEnv)

// MapEnv is an Env backed by a map.
type MapEnv map[string]string

// Lookup implements Env.
func (m MapEnv) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func getenv(env Env, key string) string {
	v, _ := env.Lookup(key)
	return strings.TrimSpace(v)
}

func missing(env Env, keys []string) []string {
	var out []string
	for _, k := range keys {
		if getenv(env, k) == "" {
			out = append(out, k)
		}
	}
	return out
}

// DefaultFromEnv builds the default sender from EMAIL_FROM and
// EMAIL_FROM_NAME.
func DefaultFromEnv(env Env) (email.Address, bool) {
	from := getenv(env, EnvFrom)
	if from == "" {
		return email.Address{}, false
	}
	return email.NewNamedAddress(getenv(env, EnvFromName), from), true
}

// Backend describes a compiled-in delivery backend.
type Backend struct {
	Kind string
	// Requires overrides the variables checked during auto-detection.
	Requires []string
	// New builds the backend from env.
	New func(ctx context.Context, env Env) (Mailer, error)
}

// Registry holds the compiled-in backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the registry that provider packages register
// themselves with from init.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds b to the default registry.
func Register(b Backend) {
	defaultRegistry.Register(b)
}

// Register adds a backend. It panics if the kind is empty or already
// registered.
func (r *Registry) Register(b Backend) {
	if b.Kind == "" || b.New == nil {
		panic("mailer: Register requires a kind and a constructor")
	}
	if b.Requires == nil {
		b.Requires = requirements[b.Kind]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.backends[b.Kind]; dup {
		panic("mailer: Register called twice for backend " + b.Kind)
	}
	r.backends[b.Kind] = b
}

// Lookup returns the backend registered for kind.
func (r *Registry) Lookup(kind string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[kind]
	return b, ok
}

// Kinds returns the registered kinds, detection-ordered kinds first.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.backends))
	for _, k := range detectionOrder {
		if _, ok := r.backends[k]; ok {
			out = append(out, k)
		}
	}

	var rest []string
	for k := range r.backends {
		if !slices.Contains(detectionOrder, k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Detect walks the priority list and returns the first registered kind
// whose credentials are all present, falling back to "local". Only
// WithLogger is used from opts.
func (r *Registry) Detect(env Env, opts ...Option) (string, error) {
	logger := newOptions(opts).logger

	var matched []string
	for _, kind := range detectionOrder {
		b, ok := r.Lookup(kind)
		if !ok {
			continue
		}
		if len(missing(env, b.Requires)) == 0 {
			matched = append(matched, kind)
		}
	}

	if len(matched) > 0 {
		if len(matched) > 1 {
			logger.Warn("credentials for several email backends are set, using the first in priority order",
				"selected", matched[0],
				"ignored", matched[1:],
			)
		}
		return matched[0], nil
	}

	if _, ok := r.Lookup(KindLocal); ok {
		return KindLocal, nil
	}
	return "", mailerr.Configuration(r.detectionHint())
}

func (r *Registry) detectionHint() string {
	var hints []string
	for _, kind := range detectionOrder {
		if b, ok := r.Lookup(kind); ok {
			hints = append(hints, fmt.Sprintf("%s (%s)", kind, strings.Join(b.Requires, ", ")))
		}
	}
	if len(hints) == 0 {
		return "no email backend is compiled in; import a provider package or set " + EnvProvider
	}
	return "no email backend could be detected; set " + EnvProvider + " or the credentials for one of: " +
		strings.Join(hints, "; ")
}

// Open selects and constructs a backend. EMAIL_PROVIDER picks the kind
// explicitly; otherwise Detect runs. Only WithLogger is used from opts.
func (r *Registry) Open(ctx context.Context, env Env, opts ...Option) (Mailer, error) {
	logger := newOptions(opts).logger

	kind := strings.ToLower(getenv(env, EnvProvider))
	explicit := kind != ""

	if !explicit {
		detected, err := r.Detect(env, opts...)
		if err != nil {
			return nil, err
		}
		kind = detected
	} else if !slices.Contains(KnownKinds(), kind) {
		return nil, mailerr.Configuration(fmt.Sprintf("unknown %s %q, valid values: %s",
			EnvProvider, kind, strings.Join(KnownKinds(), ", ")))
	}

	b, ok := r.Lookup(kind)
	if !ok {
		return nil, mailerr.Configuration(fmt.Sprintf("%s=%s but that backend is not compiled in", EnvProvider, kind))
	}
	if explicit {
		if miss := missing(env, b.Requires); len(miss) > 0 {
			return nil, mailerr.Configuration(fmt.Sprintf("%s backend requires %s", kind, strings.Join(miss, ", ")))
		}
	}

	m, err := b.New(ctx, env)
	if err != nil {
		if mailerr.KindOf(err) == mailerr.KindUnknown {
			err = &mailerr.Error{Kind: mailerr.KindConfiguration, Message: "cannot create " + kind + " backend", Err: err}
		}
		return nil, err
	}

	logger.Info("email backend selected",
		"provider", kind,
		"auto_detected", !explicit,
	)
	return m, nil
}
