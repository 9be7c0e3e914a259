// Command orchestra runs one authority node of the distributed
// mixnet/DKG protocol orchestrator (spec.md): it exposes the Public
// API, the task engine's peer-to-peer endpoints, and drives the
// election-creation and tally state machines through to completion.
//
// Usage:
//
//	orchestra serve [--config path.yaml]
//	orchestra create-tarball <election_id>
//	orchestra serve --reset-tally <election_id>
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/sequentech/orchestra/internal/artifact"
	"github.com/sequentech/orchestra/internal/certutil"
	"github.com/sequentech/orchestra/internal/httpapi"
	"github.com/sequentech/orchestra/internal/layout"
	"github.com/sequentech/orchestra/internal/metrics"
	"github.com/sequentech/orchestra/internal/mixnet"
	"github.com/sequentech/orchestra/internal/model"
	"github.com/sequentech/orchestra/internal/protocol"
	"github.com/sequentech/orchestra/internal/protocol/election"
	"github.com/sequentech/orchestra/internal/protocol/tally"
	"github.com/sequentech/orchestra/internal/queue"
	"github.com/sequentech/orchestra/internal/store/postgres"
	"github.com/sequentech/orchestra/internal/taskengine"
	"github.com/sequentech/orchestra/internal/taskengine/approval"
	"github.com/sequentech/orchestra/pkg/config"
	"github.com/sequentech/orchestra/pkg/logger"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "create-tarball":
			runCreateTarball(os.Args[2:])
			return
		case "serve":
			runServe(os.Args[2:])
			return
		}
	}
	runServe(os.Args[1:])
}

// runCreateTarball is the `create-tarball <election_id>` subcommand
// (spec.md §6 CLI, ported from tools/create_tarball.py): packages the
// current tally artifacts for an election offline, without driving
// any protocol.
func runCreateTarball(args []string) {
	fs := flag.NewFlagSet("create-tarball", flag.ExitOnError)
	configPath := fs.String("config", "", "path to an optional YAML config overlay")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestra create-tarball <election_id>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	var electionID int64
	if _, err := fmt.Sscanf(fs.Arg(0), "%d", &electionID); err != nil {
		fmt.Fprintf(os.Stderr, "invalid election id %q: %v\n", fs.Arg(0), err)
		os.Exit(2)
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}).Component("create-tarball")

	db, err := openDB(cfg.Database)
	if err != nil {
		log.WithField("err", err).Fatal("open database")
	}
	defer db.Close()
	store := postgres.NewStore(db)

	roots := layout.Roots{PrivateDataPath: cfg.PrivateDataPath, PublicDataPath: cfg.PublicDataPath}

	ctx := context.Background()
	sessions, err := store.ListSessions(ctx, electionID)
	if err != nil {
		log.WithField("err", err).Fatal("list sessions")
	}

	entries := make([]artifact.Entry, 0, len(sessions)*2+1)
	pubDir := roots.PublicElectionDir(electionID)
	entries = append(entries, artifact.Entry{
		SourcePath: pubDir + "/" + layout.PubkeysJSON,
		ArcName:    layout.PubkeysJSON,
	}, artifact.Entry{
		SourcePath: pubDir + "/" + layout.QuestionsJSON,
		ArcName:    layout.QuestionsJSON,
	})
	for _, sess := range sessions {
		dir := roots.PublicSessionDir(electionID, sess.ID)
		entries = append(entries,
			artifact.Entry{SourcePath: dir + "/" + layout.ProtInfoXML, ArcName: sess.ID + "/" + layout.ProtInfoXML},
			artifact.Entry{SourcePath: dir + "/" + layout.PublicKeyJSON, ArcName: sess.ID + "/" + layout.PublicKeyJSON},
		)
	}

	archivePath := pubDir + "/" + layout.TallyTarGz
	if err := artifact.BuildDeterministicTarGz(archivePath, entries); err != nil {
		log.WithField("err", err).Fatal("build tarball")
	}

	hash, err := artifact.HashFile(archivePath)
	if err != nil {
		log.WithField("err", err).Fatal("hash tarball")
	}
	if err := os.WriteFile(pubDir+"/"+layout.TallyTarGzSHA, []byte(hash), 0o644); err != nil {
		log.WithField("err", err).Fatal("write sidecar hash")
	}

	log.WithFields(map[string]interface{}{"election_id": electionID, "archive": archivePath, "sha256": hash}).
		Info("tarball created")
}

// runServe is the default subcommand: wires every component and
// serves the Public API and the task engine's peer routes until
// SIGINT/SIGTERM.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to an optional YAML config overlay")
	resetTallyElectionID := fs.Int64("reset-tally", 0, "clear tally state for this election id and exit, per spec.md §6")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	db, err := openDB(cfg.Database)
	if err != nil {
		log.WithField("err", err).Fatal("open database")
	}
	defer db.Close()
	store := postgres.NewStore(db)

	roots := layout.Roots{PrivateDataPath: cfg.PrivateDataPath, PublicDataPath: cfg.PublicDataPath}
	driver := mixnet.New(mixnet.Config{KillAllBeforeStart: cfg.KillVforkBeforeStart}, nil)

	if *resetTallyElectionID > 0 {
		runResetTally(context.Background(), store, driver, roots, *resetTallyElectionID, log)
		return
	}

	if err := store.ResetQueueOnStart(context.Background(), true); err != nil {
		log.WithField("err", err).Fatal("reset query queue on start")
	}

	selfCertPEM := cfg.TLS.CertString
	certCmp := certutil.NewComparator(10*time.Minute, 4096)

	var approvals approval.Store
	dbApprovals := approval.NewDatabaseStore(db)
	if cfg.RedisURL != "" {
		approvals = &approval.Fallback{Fast: approval.NewRedisStore(cfg.RedisURL, time.Hour), Slow: dbApprovals}
	} else {
		approvals = dbApprovals
	}

	events, err := protocol.NewEventPublisher(cfg.NATSURL, log)
	if err != nil {
		log.WithField("err", err).Fatal("connect to nats")
	}
	defer events.Close()

	var caListPEMs []string
	if caList := readFileOrEmpty(cfg.TLS.CAListPath); caList != "" {
		caListPEMs = []string{caList}
	}
	transportCfg := taskengine.TransportConfig{
		CertPEM:      readFileOrEmpty(cfg.TLS.CertPath),
		KeyPEM:       readFileOrEmpty(cfg.TLS.KeyPath),
		PeerCertPEMs: caListPEMs, // the process-wide CA list: trusted servers for the client, accepted client CAs for the server
		AllowOnlySSL: cfg.AllowOnlySSLConnections,
	}
	httpClient, err := taskengine.NewClientHTTPClient(transportCfg, 6*time.Hour)
	if err != nil {
		log.WithField("err", err).Fatal("build mutual-TLS HTTP client")
	}

	registry := taskengine.NewRegistry()

	electionPerformer := &election.Performer{
		Store:      store,
		Driver:     driver,
		Roots:      roots,
		CertCmp:    certCmp,
		SelfCert:   selfCertPEM,
		AutoAccept: cfg.AutoAcceptRequests,
		Approvals:  approvals,
		Log:        log,
	}
	electionPerformer.Register(registry)

	tallyPerformer := &tally.Performer{
		Store:                store,
		Driver:               driver,
		Roots:                roots,
		HTTPClient:           httpClient,
		CertCmp:              certCmp,
		SelfCert:             selfCertPEM,
		AutoAccept:           cfg.AutoAcceptRequests,
		AllowMultipleTallies: cfg.EnableMultipleTallies,
		Approvals:            approvals,
		Log:                  log,
	}
	tallyPerformer.Register(registry)

	electionDirector := &election.Director{
		Store:      store,
		Driver:     driver,
		Roots:      roots,
		HTTPClient: httpClient,
		Self:       election.AuthorityRef{Name: "self", OrchestraURL: cfg.RootURL, SSLCert: selfCertPEM},
		Log:        log,
		Events:     events,
	}

	tallyDirector := &tally.Director{
		Store:         store,
		Driver:        driver,
		Roots:         roots,
		HTTPClient:    httpClient,
		Log:           log,
		Events:        events,
		PublicBaseURL: cfg.PublicDataBaseURL,
	}

	var gate *queue.Gate
	gate = queue.New(store, log,
		func(ctx context.Context, row *model.QueryQueueRow) {
			var in election.CreateElectionInput
			if err := json.Unmarshal(row.Payload, &in); err != nil {
				log.WithField("err", err).Error("decode queued election payload")
				_ = gate.EndTask(ctx)
				return
			}
			if err := electionDirector.Run(ctx, in); err != nil {
				log.WithField("err", err).Error("election run finished with an error")
			}
			_ = gate.EndTask(ctx)
		},
		func(ctx context.Context, row *model.QueryQueueRow) {
			var in tally.TallyInput
			if err := json.Unmarshal(row.Payload, &in); err != nil {
				log.WithField("err", err).Error("decode queued tally payload")
				_ = gate.EndTask(ctx)
				return
			}
			if err := tallyDirector.Run(ctx, in); err != nil {
				log.WithField("err", err).Error("tally run finished with an error")
			}
			_ = gate.EndTask(ctx)
		},
	)

	recovery, err := taskengine.NewRecovery("*/1 * * * *", func(ctx context.Context) error {
		gate.SafeDequeue(ctx)
		return nil
	}, log)
	if err != nil {
		log.WithField("err", err).Fatal("build recovery sweep")
	}
	recovery.Start()
	defer recovery.Stop()

	server := httpapi.NewServer(store, gate, registry, approvals, certCmp, roots, log)
	server.AllowOnlySSLConnections = cfg.AllowOnlySSLConnections
	server.MaxQuestionsPerElection = cfg.MaxQuestionsPerElection

	queues := taskengine.NewManager()
	queues.Register(taskengine.NewNamedQueue(taskengine.QueueLaunchTask, cfg.Queues.LaunchTask))
	queues.Register(taskengine.NewNamedQueue(taskengine.QueueOrchestraDirector, cfg.Queues.OrchestraDirector))
	queues.Register(taskengine.NewNamedQueue(taskengine.QueueOrchestraPerformer, cfg.Queues.OrchestraPerformer))
	queues.Register(taskengine.NewNamedQueue(taskengine.QueueMixnet, cfg.Queues.MixnetQueue))
	server.Queues = queues

	router := server.NewRouter()
	router.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.AllowOnlySSLConnections && transportCfg.CertPEM != "" {
		tlsCfg, err := taskengine.NewServerTLSConfig(transportCfg)
		if err != nil {
			log.WithField("err", err).Fatal("build server TLS config")
		}
		httpServer.TLSConfig = tlsCfg
	}

	go func() {
		var serveErr error
		if httpServer.TLSConfig != nil {
			serveErr = httpServer.ListenAndServeTLS("", "")
		} else {
			serveErr = httpServer.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.WithField("err", serveErr).Fatal("http server error")
		}
	}()
	log.WithField("addr", cfg.Addr()).Info("orchestra node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithField("err", err).Error("graceful shutdown failed")
	}
}

// runResetTally is the `--reset-tally <election_id>` flag (spec.md §6,
// ported from election_orchestra/app.py's extra_run): invokes the
// mixnet Reset operation for every session and clears the session's
// tallying status, allowing the tally to be resubmitted.
func runResetTally(ctx context.Context, store *postgres.Store, driver *mixnet.Driver, roots layout.Roots, electionID int64, log *logger.Logger) {
	sessions, err := store.ListSessions(ctx, electionID)
	if err != nil {
		log.WithField("err", err).Fatal("list sessions")
	}

	for _, sess := range sessions {
		dir := roots.PrivateSessionDir(electionID, sess.ID)
		if _, err := driver.Reset(ctx, dir); err != nil {
			log.WithFields(map[string]interface{}{"session_id": sess.ID, "err": err}).Error("reset session")
			continue
		}
		if err := store.UpdateSessionStatus(ctx, sess.ID, model.SessionKeyed); err != nil {
			log.WithFields(map[string]interface{}{"session_id": sess.ID, "err": err}).Error("reset session status")
		}
	}

	sentinel := roots.PrivateElectionDir(electionID) + "/" + layout.TallyApproved
	_ = os.Remove(sentinel)

	log.WithField("election_id", electionID).Info("tally state reset")
}

func readFileOrEmpty(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// openDB opens the Postgres connection pool per DatabaseConfig, the
// way the teacher's gateway command configures lib/pq connections.
func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
