// Command clapcored is the capture daemon entry point (§6): it loads
// configuration, wires the Auth Collaborator, notification source,
// storage backends, and Capture Engine, then runs until SIGINT/SIGTERM.
// CLI parsing follows the teacher's internal/cmd.Execute kong idiom.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/brice/clapcore/internal/authcollab"
	"github.com/brice/clapcore/internal/bus"
	"github.com/brice/clapcore/internal/capture"
	"github.com/brice/clapcore/internal/cloudapi"
	"github.com/brice/clapcore/internal/config"
	"github.com/brice/clapcore/internal/logx"
	"github.com/brice/clapcore/internal/notify"
	"github.com/brice/clapcore/internal/sleepguard"
	"github.com/brice/clapcore/internal/storage"
)

var version = "dev"

type CLI struct {
	Daemon  DaemonCmd  `cmd:"" help:"Run the capture daemon" default:"withargs"`
	Auth    AuthCmd    `cmd:"" help:"Authenticate and store credentials"`
	Version VersionCmd `cmd:"" help:"Print version"`
}

type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Println("clapcored", version)
	return nil
}

type AuthCmd struct {
	ClientID     string `help:"OAuth client id" required:""`
	ClientSecret string `help:"OAuth client secret" required:""`
	AuthURL      string `help:"Authorization endpoint"`
	TokenURL     string `help:"Token endpoint"`
	RedirectURI  string `help:"OAuth redirect URI" default:"http://localhost:8846/callback"`
	Manual       bool   `help:"Use the manual copy-paste code flow instead of opening a browser"`
}

func (a *AuthCmd) Run() error {
	keyring, err := authcollab.NewKeyring()
	if err != nil {
		return fmt.Errorf("auth: open keyring: %w", err)
	}

	authURL := authcollab.BuildAuthURL(a.AuthURL, a.ClientID, a.RedirectURI, "")

	var code string
	if a.Manual {
		code, err = authcollab.ManualFlow(authURL, func() (string, error) {
			var line string
			_, scanErr := fmt.Scanln(&line)
			return line, scanErr
		})
	} else {
		code, _, err = authcollab.BrowserFlow(context.Background(), authURL, 8846)
	}
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	oauth := authcollab.NewOAuth(a.ClientID, a.ClientSecret, a.TokenURL, keyring, nil)
	if _, _, err := oauth.ExchangeCode(code, a.RedirectURI); err != nil {
		return fmt.Errorf("auth: exchange code: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.ClientID = a.ClientID
	cfg.ClientSecret = a.ClientSecret
	cfg.OAuthTokenURL = a.TokenURL
	return cfg.Save()
}

type DaemonCmd struct {
	SleepMode         string        `help:"Sleep-prevention mode: all, system, disk, none" default:"system" enum:"all,system,disk,none"`
	NoSleepPrevention bool          `help:"Disable sleep prevention entirely"`
	StorageRoot       string        `help:"Override the configured storage root"`
	ShutdownTimeout   time.Duration `help:"Grace period for shutdown" default:"10s"`

	// sigint records whether shutdown was initiated by SIGINT specifically,
	// so main can map it to exit code 130 per the CLI boundary contract.
	sigint bool
}

func (d *DaemonCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("daemon: load config: %w", err)
	}
	if d.StorageRoot != "" {
		cfg.StorageRoot = d.StorageRoot
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	keyring, err := authcollab.NewKeyring()
	if err != nil {
		return fmt.Errorf("daemon: open keyring: %w", err)
	}

	// auth and cloudClient each need the other (cloudClient needs a token
	// closure over auth; auth needs cloudClient as its DeviceLister), so
	// auth is wired up after cloudClient captures it by reference.
	var auth *authcollab.OAuth
	cloudClient := cloudapi.NewClient(cfg.CloudAPIBaseURL, func() (string, error) { return auth.GetToken() })
	auth = authcollab.NewOAuth(cfg.ClientID, cfg.ClientSecret, cfg.OAuthTokenURL, keyring, cloudClient)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = auth.Authenticate(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("daemon: authenticate: %w", err)
	}

	backends, err := buildBackends(cfg)
	if err != nil {
		return fmt.Errorf("daemon: build storage backends: %w", err)
	}
	defer func() {
		for _, b := range backends {
			_ = b.Close()
		}
	}()

	eventBus := bus.New()

	engine := capture.New(capture.Config{
		StorageRoot:    cfg.StorageRoot,
		DingDuration:   cfg.DingDuration,
		MotionDuration: cfg.MotionDuration,
		Auth:           auth,
		CloudAPI:       cloudClient,
		WakeEnabled:    cfg.WakeMonitorEnabled,
	}, eventBus, backends)

	guard := buildSleepGuard(d.NoSleepPrevention)
	mode := sleepguard.Mode(d.SleepMode)
	if err := guard.Start(mode); err != nil {
		logx.Default().Warn("daemon: sleep prevention unavailable", "err", err)
	}
	defer guard.Stop()

	source := notify.NewPullSource(cfg.PullURL, cfg.NotificationSubscription, func() (string, error) { return auth.GetToken() })

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		d.sigint = sig == os.Interrupt
		runCancel()
	}()

	listenDone := make(chan error, 1)
	go func() {
		listenDone <- source.Listen(runCtx, engine.HandleRaw)
	}()

	logx.Default().Info("clapcored: daemon started", "storage_root", cfg.StorageRoot)

	<-runCtx.Done()
	logx.Default().Info("daemon: shutdown signal received")

	select {
	case <-listenDone:
	case <-time.After(d.ShutdownTimeout):
		logx.Default().Warn("daemon: notification listener did not stop within grace period")
	}

	engine.Wait()
	return nil
}

func buildBackends(cfg *config.Config) ([]storage.Backend, error) {
	var backends []storage.Backend

	wantSQLite := cfg.StorageDriver == config.StorageSQLite || cfg.StorageDriver == config.StorageAll
	wantFS := cfg.StorageDriver == config.StorageFilesystem || cfg.StorageDriver == config.StorageAll
	wantRemote := cfg.StorageDriver == config.StorageRemote || cfg.StorageDriver == config.StorageAll

	if wantSQLite {
		db, err := storage.OpenSQLite(cfg.StorageRoot + "/clapcore.db")
		if err != nil {
			return nil, err
		}
		backends = append(backends, db)
	}
	if wantFS {
		backends = append(backends, storage.NewFilesystem(cfg.StorageRoot))
	}
	if wantRemote {
		backends = append(backends, storage.NewRemote(cfg.RemoteBaseURL, nil))
	}
	return backends, nil
}

func buildSleepGuard(disabled bool) sleepguard.Guard {
	if disabled {
		return sleepguard.Noop{}
	}
	return sleepguard.NewSystemdInhibit()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("clapcored"),
		kong.Description("Always-on capture daemon for cloud-connected doorbell/camera devices"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cli.Daemon.sigint {
		os.Exit(130)
	}
}
