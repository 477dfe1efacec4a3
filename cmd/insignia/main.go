package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/insignia/insignia/internal/config"
	"github.com/insignia/insignia/internal/hash"
	"github.com/insignia/insignia/internal/ledger"
	"github.com/insignia/insignia/internal/network"
	"github.com/insignia/insignia/internal/pdfsign"
	"github.com/insignia/insignia/internal/storage"
)

const chainFile = "chain.db"

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "insignia",
	Short: "Insignia - Document Signing and Notarization",
	Long:  `Signs PDF documents and notarizes their hashes on a small proof-of-work ledger`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "insignia.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file loaded before the config")

	verifyCmd.Flags().Int("block", 0, "also check the ledger for the file hash in this block")
	verifyCmd.Flags().String("node", "", "ledger node to ask (defaults to notary.origin_node)")
	statusCmd.Flags().String("node", "", "node to query (defaults to node.address)")
	signCmd.Flags().Int("page", -1, "zero-based page for the signature widget (defaults to signing.page)")

	chainConsensusCmd.Flags().String("node", "", "node to run consensus on (defaults to node.address)")

	chainCmd.AddCommand(chainVerifyCmd)
	chainCmd.AddCommand(chainConsensusCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(statusCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("insignia v0.1.0-alpha")
		fmt.Println("Document Signing and Notarization")
	},
}

func chainPath(cfg *config.Config) string {
	return filepath.Join(cfg.Node.DataDir, chainFile)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the local chain store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		dbPath := chainPath(cfg)
		store, err := storage.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		chain, err := ledger.New(store)
		if err != nil {
			return fmt.Errorf("failed to initialize ledger: %w", err)
		}
		if err := store.SetMetadata("node_id", cfg.Node.ID); err != nil {
			return fmt.Errorf("failed to record node id: %w", err)
		}

		length, err := chain.Length()
		if err != nil {
			return err
		}

		fmt.Printf("Initialized insignia node: %s\n", cfg.Node.ID)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Chain store: %s (%d blocks)\n", dbPath, length)

		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <in.pdf> <out.pdf>",
	Short: "Embed a signature with the configured certificate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cert, err := pdfsign.LoadCertificate(cfg.Signing.Certificate, cfg.Signing.Password)
		if err != nil {
			return err
		}

		in, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		page := cfg.Signing.Page
		if p, _ := cmd.Flags().GetInt("page"); p >= 0 {
			page = p
		}

		signed, err := pdfsign.Sign(in, cert, signOptions(cfg, page))
		if err != nil {
			return fmt.Errorf("failed to sign %s: %w", args[0], err)
		}

		if err := os.WriteFile(args[1], signed, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", args[1], err)
		}

		fmt.Printf("Signed %s -> %s\n", args[0], args[1])
		fmt.Printf("Signer: %s\n", cert.Certificate.Subject.CommonName)
		fmt.Printf("File hash: %s\n", hash.Digest(signed))
		return nil
	},
}

func signOptions(cfg *config.Config, page int) pdfsign.Options {
	return pdfsign.Options{
		Page:            page,
		Name:            "Insignia",
		Reason:          cfg.Signing.Reason,
		Location:        cfg.Signing.Location,
		SignatureLength: cfg.Signing.SignatureLength,
	}
}

var verifyCmd = &cobra.Command{
	Use:   "verify <file.pdf>",
	Short: "Verify an embedded signature and optionally its ledger entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		fileHash := hash.Digest(data)
		fmt.Printf("File hash: %s\n", fileHash)

		result, err := pdfsign.Verify(data)
		if err != nil {
			fmt.Printf("  ❌ SIGNATURE INVALID: %v\n", err)
			return nil
		}
		fmt.Printf("  ✅ Signature valid\n")
		fmt.Printf("  Signer: %s\n", result.Certificate.Subject.CommonName)
		if !result.SigningTime.IsZero() {
			fmt.Printf("  Signed at: %s\n", result.SigningTime.Format(time.RFC3339))
		}

		block, _ := cmd.Flags().GetInt("block")
		if block <= 0 {
			return nil
		}

		node, _ := cmd.Flags().GetString("node")
		if node == "" {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			node = cfg.Notary.OriginNode
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := network.NewClient(10*time.Second).VerifyTransaction(ctx, node, block, fileHash)
		if err != nil {
			fmt.Printf("  ⚠️  Ledger check failed: %v\n", err)
			return nil
		}
		if resp.Valid {
			fmt.Printf("  ✅ Notarized in block %d (root %s)\n", block, resp.RootHash)
		} else {
			fmt.Printf("  ❌ Hash not recorded in block %d\n", block)
		}
		return nil
	},
}

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Inspect the local chain store",
}

var chainVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Validate the whole local chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := storage.New(chainPath(cfg))
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		chain, err := store.Blocks()
		if err != nil {
			return fmt.Errorf("failed to read chain: %w", err)
		}

		if nodeID, err := store.GetMetadata("node_id"); err == nil {
			fmt.Printf("Node: %s\n", nodeID)
		}
		fmt.Printf("Verifying chain: %d blocks\n", len(chain))
		if err := ledger.ValidateChain(chain); err != nil {
			fmt.Printf("  ❌ FAILED: %v\n", err)
			return err
		}
		fmt.Printf("  ✅ OK: chain is intact\n")
		return nil
	},
}

var chainConsensusCmd = &cobra.Command{
	Use:   "consensus",
	Short: "Ask a running node to adopt the longest valid chain of its peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")
		if node == "" {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			node = cfg.Node.Address
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		resp, err := network.NewClient(time.Minute).Consensus(ctx, node)
		if err != nil {
			return fmt.Errorf("failed to run consensus on %s: %w", node, err)
		}

		fmt.Printf("Node: %s\n", node)
		fmt.Printf("  %s\n", resp.Note)
		if resp.Replaced {
			fmt.Printf("  🔄 Chain replaced, now %d blocks\n", len(resp.Chain))
		} else {
			fmt.Printf("  ✅ Chain kept (%d blocks)\n", len(resp.Chain))
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display the status of a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")
		if node == "" {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			node = cfg.Node.Address
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := network.NewClient(10 * time.Second)
		snapshot, err := client.FetchChain(ctx, node)
		if err != nil {
			return fmt.Errorf("failed to reach %s: %w", node, err)
		}
		peers, err := client.Peers(ctx, node)
		if err != nil {
			return fmt.Errorf("failed to list peers of %s: %w", node, err)
		}

		fmt.Printf("Node: %s\n", node)
		fmt.Printf("Chain length: %d\n", len(snapshot.Chain))
		if n := len(snapshot.Chain); n > 0 {
			last := snapshot.Chain[n-1]
			fmt.Printf("Last block: %d (%s)\n", last.Index, shortHash(last.Hash))
			fmt.Printf("  Transactions: %d\n", len(last.Transactions))
			fmt.Printf("  Mined at: %s\n", last.Timestamp.Format(time.RFC3339))
		}
		fmt.Printf("Pending transactions: %d\n", len(snapshot.PendingTransactions))
		fmt.Printf("\nKnown peers (%d):\n", len(peers))
		for _, p := range peers {
			fmt.Printf("  - %s\n", p)
		}
		if ledger.ChainIsValid(snapshot.Chain) {
			fmt.Printf("\n✅ Chain is valid\n")
		} else {
			fmt.Printf("\n❌ Chain is INVALID\n")
		}

		return nil
	},
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
