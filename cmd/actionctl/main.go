// Command actionctl inspects the action catalog and personas from the
// document store, and talks to a running gateway for invocations and
// audit lookups.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/VaultSovereign/vmq-oracle/pkg/cache"
	"github.com/VaultSovereign/vmq-oracle/pkg/catalog"
	"github.com/VaultSovereign/vmq-oracle/pkg/client"
	"github.com/VaultSovereign/vmq-oracle/pkg/config"
	"github.com/VaultSovereign/vmq-oracle/pkg/docstore"
	"github.com/VaultSovereign/vmq-oracle/pkg/eventbus"
	"github.com/VaultSovereign/vmq-oracle/pkg/logging"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
	"github.com/VaultSovereign/vmq-oracle/pkg/persona"
	"github.com/VaultSovereign/vmq-oracle/pkg/store"
)

type outcomeReader interface {
	ReadOutcome(ctx context.Context) (models.Outcome, error)
	Close() error
}

// Testable variables for main()
var (
	osExit       = os.Exit
	openRedisFn  = store.NewRedis
	openConsumer = func(cfg eventbus.KafkaConfig) (outcomeReader, error) {
		return eventbus.NewKafkaConsumer(cfg)
	}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "resolve":
		return resolve(args[1:], out)
	case "persona":
		return showPersona(args[1:], out)
	case "catalog":
		return showCatalog(args[1:], out)
	case "handoffs":
		return showHandoffs(args[1:], out)
	case "invoke":
		return invoke(args[1:], out)
	case "audit":
		return showAudit(args[1:], out)
	case "events":
		return tailEvents(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "actionctl commands:")
	fmt.Fprintln(out, "  resolve --groups VaultMesh-Engineering,delivery")
	fmt.Fprintln(out, "  persona --id engineer")
	fmt.Fprintln(out, "  catalog [--all]")
	fmt.Fprintln(out, "  handoffs")
	fmt.Fprintln(out, "  invoke --action summarize-docs --user ana --group VaultMesh-Engineering --params '{\"documentUris\":[\"s3://kb/a.md\"]}'")
	fmt.Fprintln(out, "  audit --request-id rq-...")
	fmt.Fprintln(out, "  events --brokers localhost:9092 --topic vmq.action-outcomes --limit 10")
	fmt.Fprintln(out, "store flags: --backend file|http|redis --root config/documents --url <docstore url> --bucket <namespace> --tables policy.yaml")
}

// storeFlags are shared by every command that reads documents.
type storeFlags struct {
	backend string
	root    string
	url     string
	bucket  string
	tables  string
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func addStoreFlags(fs *pflag.FlagSet) *storeFlags {
	sf := &storeFlags{}
	fs.StringVar(&sf.backend, "backend", config.Env("DOCSTORE_BACKEND", docstore.BackendFile), "document store backend")
	fs.StringVar(&sf.root, "root", config.Env("DOCSTORE_ROOT", "config/documents"), "document root for the file backend")
	fs.StringVar(&sf.url, "url", config.Env("DOCSTORE_URL", ""), "document service url for the http backend")
	fs.StringVar(&sf.bucket, "bucket", config.Env("DOCSTORE_BUCKET", docstore.DefaultBucket), "document namespace")
	fs.StringVar(&sf.tables, "tables", config.Env("POLICY_TABLES_FILE", ""), "YAML tables file")
	return sf
}

type stores struct {
	tables   config.Tables
	catalog  *catalog.Store
	personas *persona.Store
	closeFn  func()
}

func (sf *storeFlags) open(ctx context.Context) (*stores, error) {
	tables, err := config.LoadTables(sf.tables)
	if err != nil {
		return nil, err
	}
	var redisClient *redis.Client
	closeFn := func() {}
	if strings.EqualFold(strings.TrimSpace(sf.backend), docstore.BackendRedis) {
		if redisClient, err = openRedisFn(ctx); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		closeFn = func() { _ = redisClient.Close() }
	}
	logger := logging.NewWithWriter(os.Stderr, config.Env("LOG_LEVEL", "warn"), "actionctl")
	docs, err := docstore.Open(docstore.Config{
		Backend: sf.backend,
		Root:    sf.root,
		URL:     sf.url,
		Bucket:  sf.bucket,
		Retries: 1,
	}, docstore.Deps{
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Redis:      redisClient,
		Logger:     logger,
	})
	if err != nil {
		closeFn()
		return nil, err
	}
	return &stores{
		tables:   tables,
		catalog:  catalog.NewStore(docs, cache.New[models.Catalog](cache.DefaultTTL, nil), logger),
		personas: persona.NewStore(docs, persona.NewGroupMap(tables.GroupPersonas, tables.DefaultPersona), cache.New[models.Persona](cache.DefaultTTL, nil), logger),
		closeFn:  closeFn,
	}, nil
}

func writeJSON(out io.Writer, v interface{}) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(encoded))
	return err
}

func resolve(args []string, out io.Writer) error {
	fs := newFlagSet("resolve")
	sf := addStoreFlags(fs)
	newClient := gatewayClient(fs)
	groups := fs.StringSlice("groups", nil, "caller groups, comma separated or repeated")
	remote := fs.Bool("remote", false, "ask the running gateway instead of reading documents")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	if *remote {
		res, err := newClient().ResolvePersona(ctx, *groups)
		if err != nil {
			return err
		}
		return writeJSON(out, res)
	}
	st, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer st.closeFn()
	normalized := st.tables.NormalizeGroups(*groups)
	p := st.personas.Resolve(ctx, normalized)
	return writeJSON(out, map[string]interface{}{
		"personaId": p.ID,
		"groups":    normalized,
		"system":    p.SystemContext(),
	})
}

// showPersona prints whatever LoadPersona yields, so a missing document
// shows the default persona rather than an error.
func showPersona(args []string, out io.Writer) error {
	fs := newFlagSet("persona")
	sf := addStoreFlags(fs)
	id := fs.String("id", config.DefaultPersonaID, "persona id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	st, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer st.closeFn()
	return writeJSON(out, st.personas.LoadPersona(ctx, *id))
}

func showCatalog(args []string, out io.Writer) error {
	fs := newFlagSet("catalog")
	sf := addStoreFlags(fs)
	all := fs.Bool("all", false, "include disabled actions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	st, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer st.closeFn()
	if *all {
		return writeJSON(out, st.catalog.LoadCatalog(ctx))
	}
	return writeJSON(out, st.catalog.Enabled(ctx))
}

func showHandoffs(args []string, out io.Writer) error {
	fs := newFlagSet("handoffs")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	st, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer st.closeFn()
	return writeJSON(out, map[string]interface{}{"handoffs": st.catalog.Handoffs(ctx)})
}

func gatewayClient(fs *pflag.FlagSet) func() *client.Client {
	base := fs.String("gateway", config.Env("GATEWAY_URL", "http://localhost:8080"), "gateway base url")
	token := fs.String("token", config.Env("GATEWAY_TOKEN", ""), "bearer token")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	return func() *client.Client {
		c := client.New(*base, *timeout)
		c.AuthToken = *token
		return c
	}
}

func invoke(args []string, out io.Writer) error {
	fs := newFlagSet("invoke")
	newClient := gatewayClient(fs)
	action := fs.String("action", "", "action id")
	user := fs.String("user", "", "user id")
	groups := fs.StringSlice("group", nil, "caller group, repeatable")
	params := fs.String("params", "{}", "action params as a JSON object")
	requestID := fs.String("request-id", "", "request id")
	personaID := fs.String("persona", "", "persona override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*action) == "" {
		return errors.New("action required")
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(*params), &decoded); err != nil {
		return fmt.Errorf("params must be a JSON object: %w", err)
	}
	resp, err := newClient().Invoke(context.Background(), client.InvokeRequest{
		ActionID:  *action,
		Params:    decoded,
		UserID:    *user,
		Groups:    *groups,
		RequestID: *requestID,
		Persona:   *personaID,
	})
	if err != nil {
		return fmt.Errorf("invoke: %w", err)
	}
	if err := writeJSON(out, resp); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}

func showAudit(args []string, out io.Writer) error {
	fs := newFlagSet("audit")
	newClient := gatewayClient(fs)
	requestID := fs.String("request-id", "", "request id to look up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*requestID) == "" {
		return errors.New("request-id required")
	}
	rec, err := newClient().Audit(context.Background(), *requestID)
	if err != nil {
		return err
	}
	return writeJSON(out, rec)
}

func tailEvents(args []string, out io.Writer) error {
	fs := newFlagSet("events")
	brokers := fs.StringSlice("brokers", config.EnvList("KAFKA_BROKERS"), "kafka brokers")
	topic := fs.String("topic", config.Env("KAFKA_TOPIC", "vmq.action-outcomes"), "outcome topic")
	group := fs.String("group-id", "actionctl", "consumer group")
	limit := fs.Int("limit", 0, "stop after this many outcomes, 0 for no limit")
	wait := fs.Duration("wait", 0, "stop after this long, 0 for no limit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	consumer, err := openConsumer(eventbus.KafkaConfig{Brokers: *brokers, Topic: *topic, GroupID: *group})
	if err != nil {
		return err
	}
	defer consumer.Close()
	ctx := context.Background()
	if *wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *wait)
		defer cancel()
	}
	for n := 0; *limit == 0 || n < *limit; n++ {
		outcome, err := consumer.ReadOutcome(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "%s %-18s %-28s %-18s %3d %s\n",
			outcome.At.UTC().Format(time.RFC3339), outcome.Decision, outcome.ActionID, outcome.User.Group, outcome.StatusCode, outcome.RequestID)
	}
	return nil
}
