package cmds

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/go-go-golems/forkline/pkg/events"
	"github.com/go-go-golems/forkline/pkg/inference/session"
	"github.com/go-go-golems/forkline/pkg/persistence"
	"github.com/go-go-golems/forkline/pkg/settings"
	"github.com/go-go-golems/forkline/pkg/store"
)

// App holds everything a command needs, wired from the effective settings.
type App struct {
	Settings   *settings.Settings
	Router     *events.EventRouter
	Store      *store.Store
	Engine     settings.Engine
	Controller *session.Controller

	adapter *persistence.KVAdapter
}

func loadSettings() (*settings.Settings, error) {
	return settings.NewSettingsFromViper(viper.GetViper())
}

// NewApp opens the storage backend and loads the persisted conversations.
// overrides are applied to the settings before anything is created. Close
// must be called to release the backend.
func NewApp(ctx context.Context, overrides ...func(*settings.Settings)) (*App, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(s)
	}

	adapter, err := s.OpenStorage(viper.GetBool("ephemeral"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open storage")
	}

	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}

	engine, err := s.NewEngine()
	if err != nil {
		_ = adapter.Close()
		_ = router.Close()
		return nil, err
	}

	st := store.New(
		store.WithAdapter(adapter),
		store.WithEventSink(router.NewSink(events.TopicStore)),
	)
	if err := st.Load(ctx); err != nil {
		_ = adapter.Close()
		_ = router.Close()
		return nil, errors.Wrap(err, "failed to load conversations")
	}

	controller := session.NewController(st, engine,
		session.WithConfig(s.ControllerConfig()),
		session.WithComposer(s.NewComposer()),
		session.WithSynthesizer(s.NewSynthesizer()),
		session.WithEventSink(router.NewSink(events.TopicGeneration)),
	)

	log.Debug().
		Str("backend", s.Storage.Backend).
		Str("api_type", string(s.Chat.ApiType)).
		Int("conversations", len(st.Conversations())).
		Msg("Application ready")

	return &App{
		Settings:   s,
		Router:     router,
		Store:      st,
		Engine:     engine,
		Controller: controller,
		adapter:    adapter,
	}, nil
}

func (a *App) Close() error {
	if a.Controller.IsGenerating() {
		_ = a.Controller.Cancel()
	}
	if err := a.Router.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close event router")
	}
	return a.adapter.Close()
}

// resolveConversation accepts a full id or an unambiguous id prefix.
func (a *App) resolveConversation(idOrPrefix string) (string, error) {
	if _, ok := a.Store.Conversation(idOrPrefix); ok {
		return idOrPrefix, nil
	}
	var matches []string
	for _, c := range a.Store.Conversations() {
		if len(idOrPrefix) > 0 && len(c.ID) >= len(idOrPrefix) && c.ID[:len(idOrPrefix)] == idOrPrefix {
			matches = append(matches, c.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", errors.Errorf("conversation %q not found", idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		return "", errors.Errorf("conversation prefix %q is ambiguous", idOrPrefix)
	}
}
