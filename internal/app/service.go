package app

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"abode/collab/internal/access"
	"abode/collab/internal/activity"
	"abode/collab/internal/archive"
	"abode/collab/internal/changes"
	"abode/collab/internal/comments"
	"abode/collab/internal/config"
	"abode/collab/internal/errs"
	"abode/collab/internal/events"
	"abode/collab/internal/notify"
	"abode/collab/internal/persist"
	"abode/collab/internal/presence"
	"abode/collab/internal/pubsub"
	"abode/collab/internal/rbac"
	"abode/collab/internal/search"
	"abode/collab/internal/shard"
	"abode/collab/internal/versions"
)

type dataStore interface {
	Ping(context.Context) error
	UpsertCollaborator(context.Context, access.Collaborator) error
	DeleteCollaborator(context.Context, string, string) error
	ListCollaborators(context.Context) ([]access.Collaborator, error)
	InsertVersion(context.Context, versions.Version) error
	ListVersions(context.Context) ([]versions.Version, error)
	UpsertCurrent(context.Context, versions.Current) error
	ListCurrents(context.Context) ([]versions.Current, error)
	InsertChange(context.Context, changes.Change) error
	ListChanges(context.Context) ([]changes.Change, error)
	InsertResolution(context.Context, changes.Resolution) error
	ListResolutions(context.Context) ([]changes.Resolution, error)
	UpsertComment(context.Context, comments.Comment) error
	ListComments(context.Context) ([]comments.Comment, error)
	UpsertNotification(context.Context, notify.Notification) error
	ListNotifications(context.Context) ([]notify.Notification, error)
}

type versionArchive interface {
	Archive(versions.Version) (archive.Entry, error)
	History(string, int) ([]archive.Entry, error)
}

type presenceMirror interface {
	Put(context.Context, presence.Session) error
	Touch(context.Context, string, string) (bool, error)
	Remove(context.Context, string, string) error
	ActiveUsers(context.Context, string) ([]presence.Session, error)
}

type commentSearch interface {
	Search(context.Context, search.Query) search.Response
	IndexComment(comments.Comment)
	ReindexAll([]comments.Comment)
}

type attachmentStore interface {
	Upload(ctx context.Context, projectID, name, contentType string, body io.Reader, size int64) (comments.Attachment, error)
}

// eventForwarder consumes the event bus in its own goroutine.
type eventForwarder interface {
	Run(context.Context, *pubsub.Subscription[events.Event])
}

// Deps are the optional adapters. Any nil field disables that concern.
type Deps struct {
	Store       dataStore
	Archive     versionArchive
	Mirror      presenceMirror
	Search      commentSearch
	Attachments attachmentStore
	Transports  []notify.Transport
	Forwarders  []eventForwarder
	Logger      zerolog.Logger
}

type Service struct {
	cfg    config.Config
	logger zerolog.Logger

	bus      *events.Bus
	access   *access.Registry
	versions *versions.Store
	tracker  *changes.Tracker
	resolver *changes.Resolver
	comments *comments.Engine
	presence *presence.Hub
	feed     *activity.Aggregator
	notify   *notify.Router
	persist  *persist.Queue

	store       dataStore
	archive     versionArchive
	mirror      presenceMirror
	search      commentSearch
	attachments attachmentStore
	forwarders  []eventForwarder

	// Held from a project mutation until its write-behind job is queued.
	projectLocks *shard.Map[sync.Mutex]

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	s := &Service{
		cfg:          cfg,
		logger:       logger,
		bus:          events.NewBus(),
		access:       access.NewRegistry(),
		versions:     versions.NewStore(),
		comments:     comments.NewEngine(),
		persist:      persist.NewQueue(cfg.PersistWorkers, cfg.PersistTimeout, logger.With().Str("component", "persist").Logger()),
		store:        deps.Store,
		archive:      deps.Archive,
		mirror:       deps.Mirror,
		search:       deps.Search,
		attachments:  deps.Attachments,
		forwarders:   deps.Forwarders,
		projectLocks: shard.New(func(string) *sync.Mutex { return &sync.Mutex{} }),
	}
	s.tracker = changes.NewTracker(changes.WithStrict(cfg.ConflictStrict))
	s.resolver = changes.NewResolver(s.tracker)
	s.presence = presence.NewHub(cfg.PresenceTimeout,
		presence.WithLogger(logger.With().Str("component", "presence").Logger()),
		presence.WithExpiryHook(s.sessionExpired),
	)
	s.feed = activity.NewAggregator(s.tracker, s.comments, s.versions)

	opts := []notify.Option{
		notify.WithLogger(logger.With().Str("component", "notify").Logger()),
		notify.WithObserver(s.persistNotification),
	}
	for _, t := range deps.Transports {
		opts = append(opts, notify.WithTransport(t))
	}
	s.notify = notify.NewRouter(opts...)
	return s
}

// Start launches the background consumers: notification routing, presence
// expiry and any event forwarders. It is safe to call more than once.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)

		// Subscriptions are taken before returning so no event published
		// after Start is missed.
		notifySub := s.bus.SubscribeAll()
		s.goRun(func() {
			defer notifySub.Close()
			s.notify.Run(ctx, notifySub)
		})
		s.goRun(func() {
			s.presence.Run(ctx, s.cfg.PresenceSweep)
		})
		for _, f := range s.forwarders {
			f := f
			sub := s.bus.SubscribeAll()
			s.goRun(func() {
				defer sub.Close()
				f.Run(ctx, sub)
			})
		}
	})
}

func (s *Service) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Close stops background work and drains pending writes.
func (s *Service) Close(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.persist.Close(ctx)
}

// Flush waits for every write enqueued so far.
func (s *Service) Flush(ctx context.Context) error {
	return s.persist.Flush(ctx)
}

func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Ping(ctx)
}

// PersistFailures counts write-behind jobs that failed since start.
func (s *Service) PersistFailures() int64 {
	return s.persist.Failures()
}

// Bootstrap rehydrates every component from the store. It must run before
// Start and before the service takes traffic.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	collaborators, err := s.store.ListCollaborators(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap collaborators: %w", err)
	}
	for _, c := range collaborators {
		s.access.Load(c)
	}

	storedVersions, err := s.store.ListVersions(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap versions: %w", err)
	}
	for _, v := range storedVersions {
		if err := s.versions.Load(v); err != nil {
			return fmt.Errorf("bootstrap version %s: %w", v.ID, err)
		}
	}
	currents, err := s.store.ListCurrents(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap current versions: %w", err)
	}
	for _, cur := range currents {
		if err := s.versions.LoadCurrent(cur); err != nil {
			s.logger.Warn().Err(err).Str("project_id", cur.ProjectID).Msg("skip current version")
		}
	}

	storedChanges, err := s.store.ListChanges(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap changes: %w", err)
	}
	for _, c := range storedChanges {
		s.tracker.Load(c)
	}
	resolutions, err := s.store.ListResolutions(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap resolutions: %w", err)
	}
	for _, r := range resolutions {
		s.resolver.LoadResolution(r)
	}

	storedComments, err := s.store.ListComments(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap comments: %w", err)
	}
	for _, c := range storedComments {
		s.comments.Load(c)
	}

	notifications, err := s.store.ListNotifications(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap notifications: %w", err)
	}
	for _, n := range notifications {
		s.notify.Load(n)
	}

	if s.search != nil {
		s.search.ReindexAll(storedComments)
	}

	s.logger.Info().
		Int("collaborators", len(collaborators)).
		Int("versions", len(storedVersions)).
		Int("changes", len(storedChanges)).
		Int("comments", len(storedComments)).
		Int("notifications", len(notifications)).
		Msg("bootstrap complete")
	return nil
}

func (s *Service) authorize(op, projectID, userID string, capability rbac.Capability) error {
	if s.access.Check(projectID, userID, capability) {
		return nil
	}
	return errs.PermissionDenied(op, "user %s lacks %s on project %s", userID, capability, projectID)
}

func (s *Service) publish(eventType events.Type, projectID, userID string, payload any) {
	s.bus.Publish(events.New(eventType, projectID, userID, payload))
}

// lockProject takes the project's write lock and returns its release. Jobs
// queued while the lock is held reach the lane in mutation order.
func (s *Service) lockProject(projectID string) func() {
	mu := s.projectLocks.Get(projectID)
	mu.Lock()
	return mu.Unlock
}

// enqueue schedules a write-behind job in the project's lane. Failures are
// logged by the queue and never reach in-memory state.
func (s *Service) enqueue(projectID, op string, fn func(ctx context.Context) error) {
	if err := s.persist.Enqueue(projectID, op, fn); err != nil {
		s.logger.Warn().Err(err).Str("project_id", projectID).Str("op", op).Msg("enqueue write")
	}
}

func (s *Service) persistWith(projectID, op string, fn func(ctx context.Context, st dataStore) error) {
	if s.store == nil {
		return
	}
	s.enqueue(projectID, op, func(ctx context.Context) error {
		return fn(ctx, s.store)
	})
}

// persistNotification upserts the notification as it stands when the job
// runs, so a delivery mark is never overwritten by an older copy.
func (s *Service) persistNotification(n notify.Notification) {
	s.persistWith(n.ProjectID, "upsert notification", func(ctx context.Context, st dataStore) error {
		latest, err := s.notify.Get(n.ID)
		if err != nil {
			latest = n
		}
		return st.UpsertNotification(ctx, latest)
	})
}
