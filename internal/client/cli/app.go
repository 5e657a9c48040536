package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/famsync/internal/client/client"
	"github.com/dmitrijs2005/famsync/internal/client/config"
	"github.com/dmitrijs2005/famsync/internal/client/models"
	"github.com/dmitrijs2005/famsync/internal/client/realtime"
	"github.com/dmitrijs2005/famsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/famsync/internal/client/services"
	"github.com/dmitrijs2005/famsync/internal/client/state"
	"github.com/dmitrijs2005/famsync/internal/client/storage"
	"github.com/dmitrijs2005/famsync/internal/cryptox"
	"github.com/dmitrijs2005/famsync/internal/filex"
	"github.com/dmitrijs2005/famsync/internal/logging"
	"github.com/dmitrijs2005/famsync/internal/retry"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// sessionService is the part of services.SessionManager the CLI drives.
type sessionService interface {
	LoadInitialSession(ctx context.Context) error
	SignUp(ctx context.Context, email, password string) (*models.Session, error)
	SignIn(ctx context.Context, email, password string) (*models.Session, error)
	SignOut(ctx context.Context, force bool) error
	RequestPasswordReset(ctx context.Context, email string) error
	UpdateProfile(ctx context.Context, patch models.ProfileUpdate) (*models.Profile, error)
	RunTokenRefresher(ctx context.Context) error
}

// familyService is the part of services.MembershipSynchronizer the CLI drives.
type familyService interface {
	Resync(ctx context.Context) error
	CreateGroup(ctx context.Context, name string) (*models.Group, error)
	JoinGroup(ctx context.Context, code string) (*models.Group, error)
	LeaveGroup(ctx context.Context) error
	RegenerateCode(ctx context.Context) (string, error)
	RemoveMember(ctx context.Context, userID string) error
	SearchGroups(ctx context.Context, term string) ([]models.Group, error)
}

// prefStore persists small user preferences.
type prefStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// follower keeps the realtime subscription in line with the state store.
type follower interface {
	Run(ctx context.Context, snapshots <-chan state.Snapshot)
}

type App struct {
	config   *config.Config
	logger   logging.Logger
	state    *state.Store
	sessions sessionService
	family   familyService
	realtime follower
	prefs    prefStore
	closers  []func() error
	reader   *bufio.Reader
	out      io.Writer
}

// NewApp opens the local store and wires the transports and services
// described by c.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(os.Stderr, c.LogFormat, c.LogLevel)
	a := &App{
		config: c,
		logger: logger,
		state:  state.New(),
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	c := a.config

	repo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}

	routes := make([]models.Route, 0, len(c.ProtectedRoutes))
	for _, r := range c.ProtectedRoutes {
		routes = append(routes, models.Route(r))
	}
	store := storage.NewProtectedStore(repo, a.state, c.Namespace, routes, a.logger)

	sealer, err := cryptox.NewSealer([]byte(c.StoreSecret), []byte(c.Namespace))
	if err != nil {
		return fmt.Errorf("init sealer: %w", err)
	}
	persisted := storage.NewSessionStore(store, sealer, c.Namespace)

	exec := retry.New(retry.Options{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.RetryBaseDelay,
		MaxDelay:   c.RetryMaxDelay,
		Timeout:    c.AttemptTimeout,
	}, a.logger)

	ep := client.Endpoint{BaseURL: c.BackendURL, APIKey: c.APIKey}
	live := client.TokenFunc(func(context.Context) (string, error) {
		if s := a.state.Session(); s != nil {
			return s.AccessToken, nil
		}
		return "", nil
	})

	rest, err := client.NewREST(ep, nil, live)
	if err != nil {
		return err
	}
	fresh, err := client.NewFresh(ep, live)
	if err != nil {
		return err
	}
	raw, err := client.NewRaw(ep, persisted)
	if err != nil {
		return err
	}

	var data client.Transport = rest
	var tiers []client.Tier
	if c.DatabaseDSN != "" {
		pg, err := client.NewPG(ctx, c.DatabaseDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		tiers = append(tiers, client.Tier{Selector: pg, Timeout: c.TierTimeout})
		data = pg
	}
	tiers = append(tiers,
		client.Tier{Selector: rest, Timeout: c.TierTimeout},
		client.Tier{Selector: fresh, Timeout: c.TierTimeout},
		client.Tier{Selector: raw, Timeout: c.TierTimeout},
	)
	lookup := client.NewChain(a.logger.With("component", "chain"), tiers...)
	a.logger.Debug(ctx, "lookup chain ready", "tiers", lookup.Tiers())

	auth, err := client.NewGoTrue(ep, nil)
	if err != nil {
		return err
	}
	rt, err := realtime.New(c.BackendURL, c.APIKey, live, c.RealtimeHeartbeat, a.logger)
	if err != nil {
		return err
	}

	sm := services.NewSessionManager(auth, data, raw, persisted, store, a.state, exec, a.logger, services.SessionOptions{
		FallbackTimeout: c.SessionFallbackTimeout,
		RefreshLeeway:   c.RefreshLeeway,
	})
	ms := services.NewMembershipSynchronizer(data, lookup, a.state, exec, a.logger, c.OperationTimeout)
	sm.OnAuthenticated(func(ctx context.Context, userID string) {
		if err := ms.LoadMembership(ctx, userID, false); err != nil {
			a.logger.Warn(ctx, "loading family failed", "user_id", userID, "error", err)
		}
	})

	source := services.ChangeSourceFunc(func(ctx context.Context, groupID string) (services.Subscription, error) {
		ch, err := rt.Subscribe(ctx, groupID)
		if err != nil {
			return nil, err
		}
		return ch, nil
	})

	a.sessions = sm
	a.family = ms
	a.prefs = store
	rec := services.NewRealtimeReconciler(source, ms, exec, a.logger)
	a.closers = append(a.closers, func() error { rec.Stop(); return nil })
	a.realtime = rec
	return nil
}

func (a *App) openRepository(ctx context.Context) (metadata.Repository, error) {
	c := a.config
	if c.Store == config.StoreRedis {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{c.RedisAddr},
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", c.RedisAddr, err)
		}
		a.closers = append(a.closers, rdb.Close)
		return metadata.NewRedisRepository(rdb, c.Namespace+":"), nil
	}

	dir, err := filex.EnsureDir(c.DataDir)
	if err != nil {
		return nil, err
	}
	db, err := client.InitDatabase(ctx, filepath.Join(dir, "famsync.db"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return metadata.NewSQLiteRepository(db), nil
}

// Run restores the persisted session, starts the token refresher and the
// realtime follower, then serves the REPL until the user exits or ctx ends.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snaps, stopWatch := a.state.Watch()
	defer stopWatch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.sessions.RunTokenRefresher(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		a.realtime.Run(gctx, snaps)
		return nil
	})

	printlnFn("Welcome to famsync (type 'help' for commands)")
	if err := a.sessions.LoadInitialSession(ctx); err != nil {
		a.fail(err)
	}

	runREPL(ctx, a, a.status, bufio.NewScanner(a.reader))

	cancel()
	return g.Wait()
}

// Close releases the local store and database pools.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) isSignedIn() bool {
	return a.state.AuthState() == models.AuthAuthenticated && a.state.HasLiveSession()
}

func (a *App) status() string {
	snap := a.state.Snapshot()
	switch snap.Auth {
	case models.AuthAuthenticated:
	case models.AuthLoading, models.AuthUninitialized:
		return "(loading)"
	default:
		return "(signed out)"
	}

	who := ""
	if snap.Session != nil && snap.Session.User != nil {
		who = snap.Session.User.Email
	}
	if snap.Group == nil {
		return fmt.Sprintf("(%s)", who)
	}
	return fmt.Sprintf("(%s @ %s)", who, snap.Group.Name)
}
