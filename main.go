package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/greenledger/carbon-ledger/app"
	"github.com/greenledger/carbon-ledger/config"
	"github.com/greenledger/carbon-ledger/repository"
	"github.com/greenledger/carbon-ledger/server"
	"github.com/greenledger/carbon-ledger/srvreg"

	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"
)

var (
	homeDir      string
	httpPort     string
	adminAddress string
)

func init() {
	flag.StringVar(&homeDir, "cmt-home", "", "Path to the CometBFT config directory")
	flag.StringVar(&httpPort, "http-port", "", "HTTP web server port")
	flag.StringVar(&adminAddress, "admin", "", "Fixed admin wallet address")
}

func main() {
	// Parse command line flags
	flag.Parse()

	log.Println("=== Starting Carbon Credit Ledger Node ===")

	// Load environment configuration; flags take precedence
	nodeConfig := config.LoadConfig()
	if homeDir != "" {
		nodeConfig.CmtHome = homeDir
	}
	if httpPort != "" {
		nodeConfig.HTTPPort = httpPort
	}
	if adminAddress != "" {
		nodeConfig.AdminAddress = adminAddress
	}
	if err := nodeConfig.Validate(); err != nil {
		log.Fatalf("Invalid node configuration: %v", err)
	}

	log.Printf("Home Directory: %s", nodeConfig.CmtHome)
	log.Printf("HTTP Port: %s", nodeConfig.HTTPPort)
	log.Printf("Admin Address: %s", nodeConfig.AdminAddress)

	// Load CometBFT configuration
	cometConfig := cfg.DefaultConfig()
	cometConfig.SetRoot(nodeConfig.CmtHome)
	viper.SetConfigFile(fmt.Sprintf("%s/%s", nodeConfig.CmtHome, "config/config.toml"))
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Reading config: %v", err)
	}
	if err := viper.Unmarshal(cometConfig); err != nil {
		log.Fatalf("Decoding config: %v", err)
	}
	if err := cometConfig.ValidateBasic(); err != nil {
		log.Fatalf("Invalid configuration data: %v", err)
	}

	// Connect to PostgreSQL read model
	repo := repository.NewRepository(nodeConfig.AdminAddress)
	log.Printf("Connecting to PostgreSQL: %s:%s", nodeConfig.DatabaseHost, nodeConfig.DatabasePort)
	if err := repo.ConnectDB(nodeConfig.GetDSN()); err != nil {
		log.Fatalf("Connecting to database: %v", err)
	}

	// Initialize Badger DB for ledger state and block storage
	badgerPath := filepath.Join(nodeConfig.CmtHome, "badger")
	db, err := badger.Open(badger.DefaultOptions(badgerPath))
	if err != nil {
		log.Fatalf("Opening badger database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Fatalf("Closing badger database: %v", err)
		}
	}()

	// Create logger
	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err = cmtflags.ParseLogLevel(cometConfig.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		log.Fatalf("Failed to parse log level: %v", err)
	}

	// Initialize Service Registry with ledger endpoints
	serviceRegistry := srvreg.NewServiceRegistry(repo, logger)
	serviceRegistry.RegisterDefaultServices()

	// Create ABCI Application
	appConfig := &app.AppConfig{
		NodeID:       filepath.Base(nodeConfig.CmtHome),
		AdminAddress: nodeConfig.AdminAddress,
		LogAllTxs:    true,
	}
	abciApp, err := app.NewApplication(db, appConfig, logger)
	if err != nil {
		log.Fatalf("Creating ABCI application: %v", err)
	}

	// Load private validator
	pv := privval.LoadFilePV(
		cometConfig.PrivValidatorKeyFile(),
		cometConfig.PrivValidatorStateFile(),
	)

	// Load node key for P2P networking
	nodeKey, err := p2p.LoadNodeKey(cometConfig.NodeKeyFile())
	if err != nil {
		log.Fatalf("Failed to load node's key: %v", err)
	}

	// Initialize CometBFT node
	node, err := nm.NewNode(
		context.Background(),
		cometConfig,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(abciApp),
		nm.DefaultGenesisDocProviderFunc(cometConfig),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(cometConfig.Instrumentation),
		logger,
	)
	if err != nil {
		log.Fatalf("Creating CometBFT node: %v", err)
	}

	// Set node ID in the application
	abciApp.SetNodeID(string(node.NodeInfo().ID()))
	logger.Info("Ledger node initialized", "node_id", string(node.NodeInfo().ID()))

	// Create RPC client and set up repository
	rpcClient := cmtrpc.New(node)
	repo.SetupRpcClient(rpcClient)

	// Start CometBFT node
	logger.Info("Starting CometBFT node...")
	err = node.Start()
	if err != nil {
		log.Fatalf("Starting CometBFT node: %v", err)
	}
	defer func() {
		logger.Info("Stopping CometBFT node...")
		node.Stop()
		node.Wait()
	}()

	// Start Web Server
	logger.Info("Starting ledger web server...")
	webserver, err := server.NewWebServer(abciApp, nodeConfig.HTTPPort, logger, node, serviceRegistry, repo)
	if err != nil {
		log.Fatalf("Creating web server: %v", err)
	}

	err = webserver.Start()
	if err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	// Display startup information
	logger.Info("=== Carbon Credit Ledger Node Successfully Started ===")
	logger.Info("Ledger HTTP API", "url", fmt.Sprintf("http://localhost:%s", nodeConfig.HTTPPort))
	logger.Info("CometBFT RPC", "url", fmt.Sprintf("http://localhost:%s", extractPortFromAddress(cometConfig.RPC.ListenAddress)))
	logger.Info("Node ID", "id", string(node.NodeInfo().ID()))
	logger.Info("Admin", "address", nodeConfig.AdminAddress)

	// Display available endpoints
	logger.Info("Available Ledger Endpoints:")
	logger.Info("  POST /carbon/register - Register a seller or buyer")
	logger.Info("  POST /carbon/submissions - Submit a carbon claim")
	logger.Info("  POST /carbon/verify - Verify a submission (admin)")
	logger.Info("  POST /carbon/buy - Buy verified credits")
	logger.Info("  GET  /carbon/submissions - List all submissions")
	logger.Info("  GET  /carbon/submissions/unverified - List unverified submissions")
	logger.Info("  GET  /carbon/sellers - List registered sellers")
	logger.Info("  GET  /carbon/tokens/{regno} - Get a token certificate")
	logger.Info("  GET  /carbon/status - Get ledger status")
	logger.Info("  GET  /debug - Debug information")

	// Wait for interrupt signal to gracefully shut down
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Received shutdown signal, shutting down gracefully...")

	// Create deadline for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Shutdown the web server
	err = webserver.Shutdown(ctx)
	if err != nil {
		logger.Error("Error shutting down HTTP web server", "err", err)
	}
	logger.Info("Ledger node gracefully stopped")
}

// extractPortFromAddress extracts the port from an address string
func extractPortFromAddress(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return address[i+1:]
		}
	}
	return ""
}
