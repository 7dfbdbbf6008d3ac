// Command server runs the meme-caption party game backend: gin HTTP routes
// plus a websocket upgrade endpoint, wiring every component of the room
// coordinator together. CORS middleware and the gin engine setup mirror
// the teacher's backend/main.go, generalized from one game's routes to this
// one's action table.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"memecaption/authprovider"
	"memecaption/bus"
	"memecaption/catalog"
	"memecaption/config"
	"memecaption/coordinator"
	"memecaption/domain"
	"memecaption/gateway"
	"memecaption/logging"
	"memecaption/presence"
	"memecaption/registry"
	"memecaption/rooms"
	"memecaption/rounds"
	"memecaption/situations"
	"memecaption/store"
	"memecaption/store/pg"
)

// roomLookupAdapter narrows rooms.Manager down to registry.RoomLookup,
// which only needs a room ID, not the full Room record.
type roomLookupAdapter struct {
	rooms *rooms.Manager
}

func (a roomLookupAdapter) GetUserCurrentRoom(ctx context.Context, userID string) (string, bool, error) {
	room, ok, err := a.rooms.GetUserCurrentRoom(ctx, userID)
	if err != nil || !ok {
		return "", false, err
	}
	return room.ID, true, nil
}

func main() {
	cmd := config.NewCommand(run)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dataStore, err := pg.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer dataStore.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	eventBus := bus.NewRedis(redisClient, logger)
	situationQueue := situations.NewRedisQueue(redisClient)

	tracker := presence.New(dataStore, presence.Thresholds{
		Timeout:          cfg.PresenceTimeout,
		MaxDisconnects:   cfg.PresenceMaxDisconnects,
		MaxMissedActions: cfg.PresenceMaxMissedActions,
	})
	auth := authprovider.NewReference(cfg.JWTSecret)
	cardCatalogue := catalog.NewStatic(cfg.CardURLTemplate, defaultCardFolders())

	roomManager := rooms.New(dataStore, auth, rooms.Limits{
		MinCapacity: cfg.RoomMinCapacity,
		MaxCapacity: cfg.RoomMaxCapacity,
		CodeLength:  cfg.JoinCodeLength,
	})
	roundController := rounds.New(dataStore, tracker, eventBus, situationQueue, cfg.Schedule())
	gameCoordinator := coordinator.New(dataStore, roundController, cardCatalogue, eventBus)

	reg := registry.New(roomLookupAdapter{rooms: roomManager}, eventBus, logger)
	gw := gateway.New(reg, roomManager, roundController, gameCoordinator, eventBus, tracker, auth, cardCatalogue, logger)

	go runPresenceSweeper(ctx, dataStore, tracker, logger)
	go resumeOutstandingDeadlines(ctx, dataStore, roundController, logger)

	r := gin.Default()
	r.Use(corsMiddleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	gw.RegisterRoutes(r)

	srv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port), Handler: r}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen and serve: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// runPresenceSweeper periodically promotes stale connections to timeout
// across every room with a non-finished game, since presence.ScanTimeouts
// is per-room and nothing else drives it on a schedule. Waiting/cancelled/
// finished rooms have no deadlines to protect and are skipped.
func runPresenceSweeper(ctx context.Context, s store.Store, tracker *presence.Tracker, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	activeStatuses := []domain.GameStatus{
		domain.GameStarting, domain.GameCardSelection, domain.GameVoting, domain.GameRoundResults,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			games, err := s.ListGamesInStatuses(ctx, activeStatuses)
			if err != nil {
				logger.Warn("presence sweep: list games failed", zap.Error(err))
				continue
			}
			for _, game := range games {
				if _, err := tracker.ScanTimeouts(ctx, game.RoomID); err != nil {
					logger.Warn("presence sweep failed", zap.String("room_id", game.RoomID), zap.Error(err))
				}
			}
		}
	}
}

// resumeOutstandingDeadlines re-derives selection/voting deadline timers on
// boot for every game left mid-round by a previous process (spec §5: the
// database is the source of truth, so a restart must not strand a round
// with no timer running).
func resumeOutstandingDeadlines(ctx context.Context, s store.Store, controller *rounds.Controller, logger *zap.Logger) {
	games, err := s.ListGamesInStatuses(ctx, []domain.GameStatus{domain.GameCardSelection, domain.GameVoting})
	if err != nil {
		logger.Warn("resume deadlines: list games failed", zap.Error(err))
		return
	}
	for _, game := range games {
		if err := controller.ResumeDeadlines(ctx, game.ID); err != nil {
			logger.Warn("resume deadlines failed", zap.String("game_id", game.ID), zap.Error(err))
		}
	}
}

func defaultCardFolders() map[domain.CardType][]int {
	folder := make([]int, 200)
	for i := range folder {
		folder[i] = i + 1
	}
	starter := make([]int, 20)
	for i := range starter {
		starter[i] = i + 1
	}
	unique := make([]int, 10)
	for i := range unique {
		unique[i] = i + 1
	}
	return map[domain.CardType][]int{
		domain.CardStarter:  starter,
		domain.CardStandard: folder,
		domain.CardUnique:   unique,
	}
}
