package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/unclebandit/smsblast/internal/config"
	"github.com/unclebandit/smsblast/internal/db"
	"github.com/unclebandit/smsblast/internal/ledger"
	"github.com/unclebandit/smsblast/internal/logger"
	"github.com/unclebandit/smsblast/internal/provider"
	"github.com/unclebandit/smsblast/internal/queue"
	"github.com/unclebandit/smsblast/internal/ratelimit"
	"github.com/unclebandit/smsblast/internal/repository"
	"github.com/unclebandit/smsblast/internal/service"
)

var allQueues = []string{queue.ContactImportQueue, queue.CampaignsQueue, queue.SMSQueue}

func main() {
	flagSet := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	queues := flagSet.StringSlice("queues", allQueues, "queues to consume ("+strings.Join(allQueues, ", ")+")")
	simulate := flagSet.Bool("simulate", false, "log sends instead of calling the provider")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	selected, err := parseQueues(*queues)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid --queues")
	}
	if *simulate {
		cfg.SMSSimulate = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, selected); err != nil {
		log.Fatal().Err(err).Msg("❌ Worker stopped")
	}
	log.Info().Msg("👋 Worker shut down")
}

// parseQueues validates and de-duplicates the --queues values.
func parseQueues(names []string) ([]string, error) {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		if _, ok := queue.Concurrency[n]; !ok {
			return nil, fmt.Errorf("unknown queue %q", n)
		}
		seen[n] = true
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no queues selected")
	}
	return out, nil
}

func newSender(cfg *config.Config) provider.Sender {
	if cfg.SMSSimulate {
		log.Warn().Msg("🔧 SMS_SIMULATE is on, messages will not reach the carrier")
		return &provider.Simulator{Latency: 50 * time.Millisecond}
	}
	return provider.NewTwilioClient(provider.TwilioConfig{
		BaseURL:             cfg.TwilioBaseURL,
		AccountSID:          cfg.TwilioAccountSID,
		AuthToken:           cfg.TwilioAuthToken,
		MessagingServiceSID: cfg.TwilioMessagingServiceSID,
	})
}

func run(ctx context.Context, cfg *config.Config, queues []string) error {
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	store, closeStore, err := queue.OpenStatusStore(ctx, cfg.RedisURL, cfg.JobStatusTTL)
	if err != nil {
		return err
	}
	defer closeStore()

	backoff := queue.Backoff{Base: cfg.QueueBackoff, Max: queue.DefaultBackoff().Max}
	q, err := queue.NewRabbitMQQueue(cfg.RabbitMQURL, store, backoff, cfg.QueueMaxAttempts)
	if err != nil {
		return err
	}
	defer q.Close()

	// Repositories
	campaignRepo := &repository.CampaignRepository{DB: conn}
	contactRepo := &repository.ContactRepository{DB: conn}
	messageRepo := &repository.MessageRepository{DB: conn}
	credits := &ledger.Ledger{DB: conn}

	for _, name := range queues {
		var (
			h    queue.Handler
			opts []queue.SubscribeOption
		)
		switch name {
		case queue.ContactImportQueue:
			h = (&service.ImportWorker{
				ContactRepo: contactRepo,
				Status:      store,
				BatchSize:   cfg.ImportBatchSize,
			}).Handle
		case queue.CampaignsQueue:
			h = (&service.CampaignWorker{
				CampaignRepo: campaignRepo,
				ContactRepo:  contactRepo,
				Queue:        q,
				BatchSize:    cfg.FanoutBatchSize,
				BatchPause:   cfg.FanoutBatchPause,
			}).Handle
		case queue.SMSQueue:
			w := &service.SMSWorker{
				ContactRepo:       contactRepo,
				CampaignRepo:      campaignRepo,
				MessageRepo:       messageRepo,
				BillingRepo:       &repository.BillingRepository{DB: conn, Ledger: credits},
				OrgRepo:           &repository.OrganizationRepository{DB: conn},
				PricingRepo:       repository.NewPricingRepository(conn, cfg.PricingCacheTTL),
				Ledger:            credits,
				Limiter:           &ratelimit.Postgres{DB: conn},
				Sender:            newSender(cfg),
				StatusCallbackURL: cfg.StatusCallbackURL(),
			}
			h = w.Handle
			opts = append(opts, queue.OnExhausted(w.HandleExhausted))
		}
		if err := q.Subscribe(name, queue.Concurrency[name], h, opts...); err != nil {
			return err
		}
		log.Info().Str("queue", name).Int("concurrency", queue.Concurrency[name]).Msg("📬 Subscribed")
	}

	if err := q.Start(ctx); err != nil {
		return err
	}
	log.Info().Strs("queues", queues).Msg("🚀 Worker running, waiting for jobs...")

	<-ctx.Done()
	return nil
}
