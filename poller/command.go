package poller

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"windlass.sh/core/bodega"
	"windlass.sh/core/github"
	"windlass.sh/core/log"
	"windlass.sh/core/notifier"
	"windlass.sh/core/poller/config"
	"windlass.sh/core/poller/journal"
	"windlass.sh/core/stagger"
)

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "run one configured poller in this process",
		Action: Run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "poller",
				Usage:    "name of the poller to run",
				Required: true,
			},
		},
		Description: `
Environment variables:
	WINDLASS_DATA_DIR           data directory (default: windlass-data)
	WINDLASS_POLLERS_FILE       poller definitions (default: windlass.yml)
	WINDLASS_GITHUB_API_URL     forge API base (default: https://api.github.com)
	WINDLASS_GITHUB_USER        forge username for basic auth
	WINDLASS_GITHUB_TOKEN       forge token; overrides the token file
	WINDLASS_GITHUB_TOKEN_FILE  token file (default: token, relative to the data dir)
	WINDLASS_LOG_LEVEL          log level (default: info)
`,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pollers, err := config.LoadPollers(cfg.PollersFile)
	if err != nil {
		return err
	}

	p, err := pollers.Get(cmd.String("poller"))
	if err != nil {
		return err
	}

	logger := log.SubLogger(log.FromContext(ctx), p.Name)
	ctx = log.IntoContext(ctx, logger)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	token, err := cfg.AuthToken()
	if err != nil {
		return err
	}

	client, err := github.NewClient(cfg.GitHub.APIURL, cfg.GitHub.User, token)
	if err != nil {
		return err
	}

	j, err := journal.Open(filepath.Join(cfg.DataDir, p.Name+".events.db"))
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	n := notifier.New()

	var eng Engine
	switch p.Kind {
	case config.KindArtifacts:
		store, err := bodega.NewClient(p.Artifacts.BodegaURL)
		if err != nil {
			return err
		}
		tags, err := stagger.NewClient(p.Artifacts.StaggerURL)
		if err != nil {
			return err
		}
		view := client.Repo(p.Owner(), p.RepoName(), p.Branch)
		eng = NewArtifacts(ctx, cfg.DataDir, *p, view, store, tags, j, n)
	case config.KindCommits:
		feed := client.Repo(p.Owner(), p.RepoName(), p.Branch)
		buildOwner, buildName := config.SplitRepo(p.Commits.BuildRepo)
		dispatcher := client.Repo(buildOwner, buildName, "")
		eng = NewCommits(ctx, cfg.DataDir, *p, feed, dispatcher, j, n)
	default:
		return fmt.Errorf("unknown poller kind %q", p.Kind)
	}

	if p.ListenAddr != "" {
		srv := NewStatusServer(ctx, *p, j, n)
		logger.Info("starting status server", "address", p.ListenAddr)
		go func() {
			if err := http.ListenAndServe(p.ListenAddr, srv.Router()); err != nil {
				logger.Error("status server error", "error", err)
			}
		}()
	}

	logger.Info("starting poller", "kind", p.Kind, "repo", p.Repo, "interval", p.Interval.Std())
	return NewScheduler(p.Interval.Std(), p.ErrorInterval.Std()).Run(ctx, eng)
}

func UpCommand() *cli.Command {
	return &cli.Command{
		Name:   "up",
		Usage:  "run every configured poller, one child process each",
		Action: Up,
		Description: `
Spawns one "run" child per poller defined in the pollers file and
waits. Children inherit the environment and both output streams. The
first child to fail brings the rest down.
`,
	}
}

func Up(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pollers, err := config.LoadPollers(cfg.PollersFile)
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pollers.Pollers {
		g.Go(func() error {
			logger.Info("starting poller process", "poller", p.Name, "kind", p.Kind)

			child := exec.CommandContext(ctx, self, "run", "--poller", p.Name)
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			child.Cancel = func() error {
				return child.Process.Signal(os.Interrupt)
			}
			child.WaitDelay = 10 * time.Second

			if err := child.Run(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("poller %s: %w", p.Name, err)
			}
			return nil
		})
	}

	return g.Wait()
}

func CheckCommand() *cli.Command {
	return &cli.Command{
		Name:   "check",
		Usage:  "validate configuration and print the poller table",
		Action: Check,
	}
}

func Check(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pollers, err := config.LoadPollers(cfg.PollersFile)
	if err != nil {
		return err
	}

	for _, p := range pollers.Pollers {
		fmt.Printf("%-20s %-10s %-40s every %s\n", p.Name, p.Kind, p.Repo, p.Interval.Std())
	}
	fmt.Printf("%d pollers ok\n", len(pollers.Pollers))

	return nil
}
