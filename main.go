package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/stefandanzl/spotify-saver/api"
	"github.com/stefandanzl/spotify-saver/backend"
	httpbackend "github.com/stefandanzl/spotify-saver/backend/http_backend"
	kafkabackend "github.com/stefandanzl/spotify-saver/backend/kafka_backend"
	sqsbackend "github.com/stefandanzl/spotify-saver/backend/sqs_backend"
	"github.com/stefandanzl/spotify-saver/config"
	"github.com/stefandanzl/spotify-saver/fetch"
	"github.com/stefandanzl/spotify-saver/monitor"
	"github.com/stefandanzl/spotify-saver/notifier"
	"github.com/stefandanzl/spotify-saver/processor"
	"github.com/stefandanzl/spotify-saver/storage"
)

var (
	sigCh = make(chan os.Signal, 1)
	cfg   config.Config
)

func main() {
	app := cli.NewApp()
	app.Name = "spotify-saver"
	app.Usage = "Async Spotify album/playlist download service"
	app.HideVersion = true

	app.Commands = cli.Commands{
		cli.Command{
			Name:  "server",
			Usage: "Start the API server, the job processor and the notifier",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Usage: "`FILE` to load config from",
					Value: "config.json",
				},
			},
			Before: parseConfig,
			Action: serverAction,
		},
		cli.Command{
			Name:      "watch",
			Usage:     "Submit a download and/or monitor it until it finishes",
			ArgsUsage: "[JOB_ID]",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "server, s",
					Usage: "base `URL` of the API server",
					Value: "http://localhost:8000",
				},
				cli.StringFlag{
					Name:  "submit",
					Usage: "submit the album/playlist at `URL` and monitor the new job",
				},
				cli.StringFlag{
					Name:  "format",
					Usage: "audio `FORMAT` of the submitted request",
				},
				cli.IntFlag{
					Name:  "bitrate",
					Usage: "`KBPS` bitrate of the submitted request",
				},
				cli.BoolFlag{
					Name:  "lyrics",
					Usage: "also fetch synced lyrics",
				},
				cli.BoolFlag{
					Name:  "cover",
					Usage: "also fetch cover art",
				},
				cli.BoolFlag{
					Name:  "nfo",
					Usage: "also generate NFO files",
				},
			},
			Action: watchAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serverAction(c *cli.Context) error {
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store, err := newStore(cfg)
	if err != nil {
		return err
	}

	fetcher, err := fetch.NewExecClient(cfg.Fetcher.ResolveCmd, cfg.Fetcher.FetchCmd)
	if err != nil {
		return err
	}

	logger := log.New(os.Stderr, "[server] ", log.Ldate|log.Ltime)

	proc, err := processor.New(store, fetcher, cfg.Processor.Concurrency,
		cfg.Processor.OutputDir,
		log.New(os.Stderr, "[processor] ", log.Ldate|log.Ltime))
	if err != nil {
		return err
	}
	applyProcessorConfig(proc, cfg)

	notif, err := notifier.New(store, cfg.Notifier.Concurrency,
		log.New(os.Stderr, "[notifier] ", log.Ldate|log.Ltime))
	if err != nil {
		return err
	}
	err = registerBackends(notif, cfg)
	if err != nil {
		return err
	}
	proc.Notify = notif.Enqueue

	as := api.New(store, proc, cfg.API.Host, cfg.API.Port,
		log.New(os.Stderr, "[api] ", log.Ldate|log.Ltime))

	procClose := make(chan struct{})
	notifClose := make(chan struct{})
	go proc.Start(procClose)
	go notif.Start(notifClose)

	var g errgroup.Group
	g.Go(func() error {
		logger.Printf("Listening on %s...", as.Server.Addr)
		err := as.Server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-sigCh
	logger.Println("Shutting down gracefully...")

	err = as.Server.Shutdown(context.TODO())
	if err != nil {
		return err
	}

	procClose <- struct{}{}
	<-procClose
	notifClose <- struct{}{}
	<-notifClose

	err = g.Wait()
	if err != nil {
		return err
	}
	logger.Println("Bye!")
	return nil
}

func watchAction(c *cli.Context) error {
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	baseURL := c.String("server")
	id := c.Args().First()

	if src := c.String("submit"); src != "" {
		var err error
		id, err = submit(baseURL, src, c)
		if err != nil {
			return err
		}
		fmt.Println("Submitted job", id)
	}
	if id == "" {
		return errors.New("A job id or --submit is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sigCh
		cancel()
	}()

	m := monitor.New(monitor.NewHTTPClient(baseURL),
		log.New(os.Stderr, "[monitor] ", log.Ldate|log.Ltime))
	m.OnUpdate = printUpdate

	final, err := m.Watch(ctx, id)
	if err != nil {
		return err
	}

	switch final.State {
	case monitor.StateDoneFailure:
		return fmt.Errorf("Download failed: %s", final.Message)
	case monitor.StateDoneCancelled:
		return errors.New("Cancelled")
	}
	return nil
}

func printUpdate(u monitor.Update) {
	line := fmt.Sprintf("%3d%%", u.Progress)
	switch {
	case u.CurrentItem != "":
		line += " " + u.CurrentItem
	case u.Message != "":
		line += " " + u.Message
	}
	if u.State.Terminal() {
		line += " " + string(u.State)
	}
	fmt.Println(line)
}

// submit posts a download request assembled from the watch flags and
// returns the id of the created job.
func submit(baseURL, src string, c *cli.Context) (string, error) {
	req := map[string]interface{}{"source_url": src}
	if v := c.String("format"); v != "" {
		req["format"] = v
	}
	if v := c.Int("bitrate"); v != 0 {
		req["bitrate"] = v
	}
	for _, flag := range []string{"lyrics", "cover", "nfo"} {
		if c.Bool(flag) {
			req[flag] = true
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	res, err := http.Post(baseURL+"/api/download", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	payload, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("Submission rejected: %s", bytes.TrimSpace(payload))
	}

	var v map[string]string
	err = json.Unmarshal(payload, &v)
	if err != nil {
		return "", err
	}
	return v["id"], nil
}

func parseConfig(c *cli.Context) error {
	var err error
	cfg, err = config.Parse(c.String("config"))
	return err
}

func applyProcessorConfig(p *processor.Processor, cfg config.Config) {
	if cfg.Processor.JobTTL > 0 {
		p.JobTTL = time.Duration(cfg.Processor.JobTTL) * time.Second
	}
	if cfg.Processor.SweepSchedule != "" {
		p.SweepSchedule = cfg.Processor.SweepSchedule
	}
	if cfg.Processor.StatsInterval > 0 {
		p.StatsIntvl = time.Duration(cfg.Processor.StatsInterval) * time.Second
	}
}

// registerBackends starts a delivery backend for every entry under
// "backends" in the configuration. With no configuration at all the
// HTTP backend is still registered, so plain callback URLs always work.
func registerBackends(n *notifier.Notifier, cfg config.Config) error {
	backends := cfg.Backends
	if len(backends) == 0 {
		backends = map[string]map[string]interface{}{"http": {}}
	}

	ctx := context.Background()
	for id, bcfg := range backends {
		var b backend.Backend
		switch id {
		case "http":
			b = new(httpbackend.Backend)
		case "kafka":
			b = new(kafkabackend.Backend)
		case "sqs":
			b = new(sqsbackend.Backend)
		default:
			return fmt.Errorf("Unknown notifier backend %q", id)
		}
		err := n.RegisterBackend(ctx, b, bcfg)
		if err != nil {
			return err
		}
	}
	return nil
}

func newStore(cfg config.Config) (storage.Store, error) {
	if cfg.Redis.Addr == "" {
		return storage.NewMemory(), nil
	}
	return storage.NewRedis(redisClient("spotify-saver", cfg.Redis.Addr))
}

func redisClient(name, addr string) *redis.Client {
	setName := func(c *redis.Conn) error {
		ok, err := c.ClientSetName(name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("Error setting Redis client name to " + name)
		}
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, OnConnect: setName})
}
