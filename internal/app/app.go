package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/MarketEMI/internal/approval"
	"github.com/router-for-me/MarketEMI/internal/checkout"
	"github.com/router-for-me/MarketEMI/internal/config"
	"github.com/router-for-me/MarketEMI/internal/db"
	"github.com/router-for-me/MarketEMI/internal/gateway"
	"github.com/router-for-me/MarketEMI/internal/http/api/admin"
	"github.com/router-for-me/MarketEMI/internal/http/api/front"
	gatewayapi "github.com/router-for-me/MarketEMI/internal/http/api/gateway"
	"github.com/router-for-me/MarketEMI/internal/installment"
	"github.com/router-for-me/MarketEMI/internal/intake"
	"github.com/router-for-me/MarketEMI/internal/logging"
	"github.com/router-for-me/MarketEMI/internal/models"
	"github.com/router-for-me/MarketEMI/internal/notify"
	"github.com/router-for-me/MarketEMI/internal/plan"
	"github.com/router-for-me/MarketEMI/internal/reconcile"
	"github.com/router-for-me/MarketEMI/internal/redislock"
	"github.com/router-for-me/MarketEMI/internal/security"
	"github.com/router-for-me/MarketEMI/internal/settings"
	"github.com/router-for-me/MarketEMI/internal/util"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// gatewayCallbackPrefix is where the gateway posts redirects and IPNs.
const gatewayCallbackPrefix = "/v0/payments/gateway"

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 15 * time.Second

// Services is the wired EMI core. Intake is the hook the order subsystem
// calls inside its own order-creation transaction.
type Services struct {
	Config config.Config
	DB     *gorm.DB
	Redis  *redis.Client

	Catalog   *plan.Catalog
	Plans     *plan.Store
	Scheduler *installment.Scheduler
	Workflow  *approval.Workflow
	Auto      *approval.AutoApprover
	Sweeper   *installment.Sweeper
	Retention *notify.RetentionCleaner
	Engine    *reconcile.Engine
	Checkout  *checkout.Service
	Intake    *intake.Service
	Gateway   *gateway.Client
}

// Close releases the Redis client and the database pool.
func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Redis != nil {
		if errClose := s.Redis.Close(); errClose != nil {
			errs = append(errs, errClose)
		}
	}
	if s.DB != nil {
		if sqlDB, errDB := s.DB.DB(); errDB == nil {
			if errClose := sqlDB.Close(); errClose != nil {
				errs = append(errs, errClose)
			}
		}
	}
	return errors.Join(errs...)
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	log.Info("database migrated")
	return nil
}

// Build loads configuration, opens storage and wires every EMI component.
func Build(ctx context.Context, cfg config.AppConfig) (*Services, error) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	fileCfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return nil, err
	}
	bankRates, err := fileCfg.ParsedBankRates()
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("load settings snapshot failed; using defaults")
	}

	svc := &Services{Config: fileCfg, DB: conn}

	triggers := notify.Multi{notify.LogTrigger{}, notify.NewDBTrigger(conn)}
	if addr := strings.TrimSpace(fileCfg.Redis.Addr); addr != "" {
		svc.Redis = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: fileCfg.Redis.Password,
			DB:       fileCfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if errPing := svc.Redis.Ping(pingCtx).Err(); errPing != nil {
			log.WithError(errPing).Warnf("redis %s unreachable; events and sweep locks will retry", addr)
		}
		cancel()
		triggers = append(triggers, notify.NewRedisTrigger(svc.Redis, fileCfg.Redis.Channel))
	}
	var lock *redislock.Lock
	if svc.Redis != nil {
		lock = redislock.New(svc.Redis, fileCfg.Redis.LockTTL)
	}

	svc.Catalog = plan.NewCatalog(bankRates)
	svc.Plans = plan.NewStore(conn)
	svc.Scheduler = installment.NewScheduler(conn, triggers)
	svc.Workflow = approval.NewWorkflow(conn, svc.Scheduler, triggers)
	svc.Auto = approval.NewAutoApprover(conn, svc.Workflow, lock)
	svc.Sweeper = installment.NewSweeper(svc.Scheduler, lock)
	svc.Retention = notify.NewRetentionCleaner(conn, lock)
	svc.Intake = intake.NewService(svc.Catalog, svc.Workflow, triggers)

	// Interface values stay nil without credentials so checkout answers 503.
	var (
		checkoutGateway checkout.Gateway
		validator       reconcile.Validator
	)
	if fileCfg.Gateway.Enabled() {
		svc.Gateway = gateway.NewClient(gatewayConfig(fileCfg), nil)
		checkoutGateway = svc.Gateway
		validator = svc.Gateway
		log.Infof("gateway enabled (store=%s currency=%s)", util.HideSecret(fileCfg.Gateway.StoreID), svc.Gateway.Currency())
	} else {
		log.Warn("gateway credentials not configured; checkout is disabled")
	}
	svc.Engine = reconcile.NewEngine(conn, validator, svc.Workflow, svc.Scheduler, triggers)
	svc.Checkout = checkout.NewService(conn, checkoutGateway, svc.Catalog)
	return svc, nil
}

// gatewayConfig builds the adapter config with callback URLs under the public base URL.
func gatewayConfig(cfg config.Config) gateway.Config {
	base := strings.TrimRight(strings.TrimSpace(cfg.Server.PublicBaseURL), "/")
	callback := func(name string) string {
		if base == "" {
			return ""
		}
		return base + gatewayCallbackPrefix + "/" + name
	}
	return gateway.Config{
		StoreID:       cfg.Gateway.StoreID,
		StorePassword: cfg.Gateway.StorePassword,
		SessionURL:    cfg.Gateway.SessionURL,
		ValidationURL: cfg.Gateway.ValidationURL,
		EMIRatesURL:   cfg.Gateway.EMIRatesURL,
		Currency:      cfg.Gateway.Currency,
		Timeout:       cfg.Gateway.Timeout,
		SuccessURL:    callback("success"),
		FailURL:       callback("fail"),
		CancelURL:     callback("cancel"),
		IPNURL:        callback("ipn"),
	}
}

// NewEngine builds the gin engine with every route group registered.
func NewEngine(svc *Services, jwtCfg config.JWTConfig) *gin.Engine {
	engine := gin.New()
	engine.Use(logging.GinLogger(), logging.GinRecovery())

	admin.RegisterAdminRoutes(engine, svc.DB, jwtCfg, admin.Deps{
		Plans:           svc.Plans,
		Workflow:        svc.Workflow,
		Scheduler:       svc.Scheduler,
		AutoApprover:    svc.Auto,
		GatewayEnabled:  svc.Gateway != nil,
		RedisConfigured: svc.Redis != nil,
	})
	front.RegisterFrontRoutes(engine, svc.DB, jwtCfg, front.Deps{
		Plans:    svc.Plans,
		Checkout: svc.Checkout,
		Workflow: svc.Workflow,
		Currency: svc.Config.Gateway.Currency,
	})
	gatewayapi.RegisterGatewayRoutes(engine, svc.DB, svc.Engine, svc.Config.Server.PublicBaseURL)
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return engine
}

// RunServer boots the HTTP API and background sweeps until ctx is done.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	fileCfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(fileCfg.Log)
	if err != nil {
		return err
	}
	defer closeQuietly(logCloser)

	jwtConfig, err := config.LoadJWTConfig(configPath)
	if err != nil {
		return err
	}
	if mode := strings.TrimSpace(fileCfg.Server.Mode); mode != "" {
		gin.SetMode(mode)
	}

	svc, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQuietly(svc)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	svc.Sweeper.Start(workerCtx)
	svc.Auto.Start(workerCtx)
	svc.Retention.Start(workerCtx)

	server := &http.Server{
		Addr:              fileCfg.Server.Addr,
		Handler:           NewEngine(svc, jwtConfig),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("starting EMI server on %s with config=%s", server.Addr, configPath)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
		close(errCh)
	}()

	select {
	case errServe, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", errServe)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down EMI server")
	cancelWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// SweepInstallments runs one installment status sweep.
func SweepInstallments(ctx context.Context, cfg config.AppConfig) (installment.SweepResult, error) {
	svc, err := Build(ctx, cfg)
	if err != nil {
		return installment.SweepResult{}, err
	}
	defer closeQuietly(svc)
	return svc.Scheduler.Sweep(ctx, time.Now())
}

// SendReminders runs one upcoming-installment reminder pass.
func SendReminders(ctx context.Context, cfg config.AppConfig) (int, error) {
	svc, err := Build(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer closeQuietly(svc)
	return svc.Scheduler.RemindUpcoming(ctx, time.Now())
}

// RunAutoApproval runs one cardless auto-approval pass.
func RunAutoApproval(ctx context.Context, cfg config.AppConfig) (int, error) {
	svc, err := Build(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer closeQuietly(svc)
	return svc.Auto.RunOnce(ctx)
}

// CreateAdminParams holds inputs for operator account creation.
type CreateAdminParams struct {
	Username string
	Password string
	Manager  bool
}

// CreateAdmin creates an active operator account. Managers can also review.
func CreateAdmin(ctx context.Context, cfg config.AppConfig, params CreateAdminParams) (*models.Admin, error) {
	username := strings.TrimSpace(params.Username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	hash, err := security.HashPassword(params.Password)
	if err != nil {
		return nil, err
	}

	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}

	account := models.Admin{
		Username:  username,
		Password:  hash,
		Active:    true,
		CanReview: true,
		CanManage: params.Manager,
	}
	if errCreate := conn.WithContext(ctx).Create(&account).Error; errCreate != nil {
		return nil, fmt.Errorf("create admin: %w", errCreate)
	}
	return &account, nil
}

func closeQuietly(c io.Closer) {
	if c == nil {
		return
	}
	if errClose := c.Close(); errClose != nil {
		log.WithError(errClose).Warn("close failed")
	}
}
