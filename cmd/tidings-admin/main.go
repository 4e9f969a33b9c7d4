// Command tidings-admin inspects and repairs a tidings installation: schema
// migrations, pending confirmations, queues and held messages. It reads the
// same configuration file as the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/moderator"
	"github.com/migadu/tidings/notify"
	"github.com/migadu/tidings/pending"
	"github.com/migadu/tidings/queue"
	"github.com/migadu/tidings/templates"
	"github.com/migadu/tidings/workflow"
)

// app lazily opens the services a command needs.
type app struct {
	configPath string
	cfg        config.Config
	loaded     bool

	store  *db.Store
	queues *queue.Set
}

func (a *app) loadConfig() (config.Config, error) {
	if a.loaded {
		return a.cfg, nil
	}
	a.cfg = config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(a.configPath, &a.cfg); err != nil {
		return config.Config{}, err
	}
	// Admin commands log to stderr so their output stays parseable.
	a.cfg.Logging.Output = "stderr"
	if _, err := logger.Initialize(a.cfg.Logging); err != nil {
		return config.Config{}, err
	}
	a.loaded = true
	return a.cfg, nil
}

// openStore connects to the database. Migrations are left to the migrate
// commands.
func (a *app) openStore(ctx context.Context) (*db.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	dbCfg := cfg.Database
	noMigrate := false
	dbCfg.AutoMigrate = &noMigrate
	if a.store, err = db.Open(ctx, dbCfg); err != nil {
		return nil, err
	}
	return a.store, nil
}

func (a *app) openQueues() (*queue.Set, error) {
	if a.queues != nil {
		return a.queues, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if a.queues, err = queue.NewSet(cfg.Queue); err != nil {
		return nil, err
	}
	return a.queues, nil
}

func (a *app) pendings(ctx context.Context) (*pending.Registry, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return pending.New(store, a.cfg.Pending)
}

// services builds the workflow manager and moderator. Notices they send
// are queued for the running server to deliver.
func (a *app) services(ctx context.Context) (*mlist.Manager, *workflow.Manager, *moderator.Moderator, error) {
	pendings, err := a.pendings(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	queues, err := a.openQueues()
	if err != nil {
		return nil, nil, nil, err
	}
	lists, err := mlist.NewManager(a.cfg.Lists)
	if err != nil {
		return nil, nil, nil, err
	}
	catalog, err := templates.Load(a.cfg.Templates.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	hostname := a.cfg.Site.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	notifier := notify.New(catalog, queues, a.store, hostname, a.cfg.Site.SiteOwner)
	return lists,
		workflow.NewManager(lists, pendings, a.store, a.store, notifier),
		moderator.New(a.store, pendings, queues, notifier),
		nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "tidings-admin",
		Short:         "tidings administration tool",
		Long:          "Manage the tidings database schema, pending requests, queues and held messages.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "config.toml", "Path to TOML configuration file")

	root.AddCommand(
		newMigrateCommand(a),
		newPendingCommand(a),
		newQueueCommand(a),
		newHeldCommand(a),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{}
	err := newRootCommand(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
