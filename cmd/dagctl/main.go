// Command dagctl is a thin cobra front end over package node, adapted
// from the teacher's 16-trustless-gateway/main.go rootCmd/sub-flag
// pattern: one root command plus per-operation subcommands, zerolog
// for all diagnostic output, LOG_LEVEL read at startup.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/dagnode/dagstore"
	"github.com/gosuda/dagnode/node"
	"github.com/gosuda/dagnode/store"
)

var (
	dataPath  string
	backendFl string
	cacheSize int
	sweepSecs int
)

var rootCmd = &cobra.Command{
	Use:   "dagctl",
	Short: "content-addressed DAG store control",
	Long:  "inspect and operate a local dagnode store: list, fetch, pin, and garbage-collect content-addressed blocks",
}

func init() {
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	rootCmd.PersistentFlags().StringVar(&dataPath, "path", "./dagnode-data", "data directory for the pebble/badger backend")
	rootCmd.PersistentFlags().StringVar(&backendFl, "backend", "pebble", "storage backend: memory|pebble|badger")
	rootCmd.PersistentFlags().IntVar(&cacheSize, "cache-size", 10000, "cache-eligible set size before GC considers eviction")
	rootCmd.PersistentFlags().IntVar(&sweepSecs, "sweep-interval", 30, "background GC sweep interval in seconds (0 disables)")

	rootCmd.AddCommand(lsCmd, catCmd, pinCmd, unpinCmd, aliasCmd, gcCmd, syncCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("dagctl failed")
	}
}

func parseBackend(s string) (store.Backend, error) {
	switch s {
	case "memory":
		return store.Memory, nil
	case "pebble":
		return store.Pebble, nil
	case "badger":
		return store.Badger, nil
	default:
		return 0, fmt.Errorf("unknown backend %q", s)
	}
}

func openStore(ctx context.Context) (*dagstore.Store, error) {
	backend, err := parseBackend(backendFl)
	if err != nil {
		return nil, err
	}
	return dagstore.New(ctx, dagstore.Config{
		Path:          dataPath,
		Backend:       backend,
		CacheSize:     cacheSize,
		SweepInterval: time.Duration(sweepSecs) * time.Second,
	})
}

var (
	lsPinned bool
	lsLive   bool
	lsDead   bool
	lsAll    bool
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "iterate locally stored blocks and their reachability state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		cids, err := s.Iter(ctx)
		if err != nil {
			return err
		}
		for _, c := range cids {
			meta, err := s.Meta(ctx, c)
			if err != nil {
				return err
			}
			if !lsAll {
				if lsPinned && meta.Pins == 0 {
					continue
				}
				if lsLive && !meta.Live() {
					continue
				}
				if lsDead && meta.Live() {
					continue
				}
			}
			fmt.Printf("%d\t%d\t%t\t%s\n", meta.Pins, meta.Referrers, meta.Public, c)
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <cid>",
	Short: "print a block's raw bytes to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := cid.Decode(args[0])
		if err != nil {
			return fmt.Errorf("parse cid: %w", err)
		}
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		blk, err := s.Get(ctx, c)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(blk.RawData())
		return err
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin <name> <cid>",
	Short: "set a persistent alias",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := cid.Decode(args[1])
		if err != nil {
			return fmt.Errorf("parse cid: %w", err)
		}
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.Alias(ctx, args[0], &c)
	},
}

var unpinCmd = &cobra.Command{
	Use:   "unpin <cid>",
	Short: "clear every alias whose target equals cid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := cid.Decode(args[0])
		if err != nil {
			return fmt.Errorf("parse cid: %w", err)
		}
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		names, err := s.Aliases(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			target, ok, err := s.Resolve(ctx, name)
			if err != nil {
				return err
			}
			if !ok || target == nil || !target.Equals(c) {
				continue
			}
			if err := s.Alias(ctx, name, nil); err != nil {
				return fmt.Errorf("clear alias %q: %w", name, err)
			}
			fmt.Printf("cleared %s\n", name)
		}
		return nil
	},
}

var aliasCmd = &cobra.Command{
	Use:   "explain <cid>",
	Short: "list every alias whose closure reaches cid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := cid.Decode(args[0])
		if err != nil {
			return fmt.Errorf("parse cid: %w", err)
		}
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		names, err := s.ReverseAlias(ctx, c)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "run one garbage-collection sweep now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Sweeper().Evict(ctx); err != nil {
			return err
		}
		stats := s.Sweeper().Stats()
		fmt.Printf("sweeps=%d evicted=%d\n", stats.Sweeps, stats.Evicted)
		return nil
	},
}

var syncPeer string

var syncCmd = &cobra.Command{
	Use:   "sync <cid>",
	Short: "fetch a DAG's missing blocks from a provider over bitswap",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := cid.Decode(args[0])
		if err != nil {
			return fmt.Errorf("parse cid: %w", err)
		}

		backend, err := parseBackend(backendFl)
		if err != nil {
			return err
		}
		n, err := node.New(ctx, node.Config{
			Store: dagstore.Config{Path: dataPath, Backend: backend, CacheSize: cacheSize},
		})
		if err != nil {
			return err
		}
		defer n.Close()

		if syncPeer != "" {
			addr, err := multiaddr.NewMultiaddr(syncPeer)
			if err != nil {
				return fmt.Errorf("parse --peer: %w", err)
			}
			if err := n.Dial(ctx, addr); err != nil {
				return fmt.Errorf("dial --peer: %w", err)
			}
		}

		q, err := n.Sync(ctx, c, nil)
		if err != nil {
			return err
		}
		for ev := range q.Events() {
			if ev.Err != nil {
				fmt.Printf("error %s: %v\n", ev.CID, ev.Err)
				continue
			}
			fmt.Printf("fetched %s\n", ev.CID)
		}
		return q.Wait()
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncPeer, "peer", "", "provider multiaddr to dial before syncing")

	lsCmd.Flags().BoolVar(&lsPinned, "pinned", false, "only list blocks with at least one pin")
	lsCmd.Flags().BoolVar(&lsLive, "live", false, "only list blocks with pins or referrers")
	lsCmd.Flags().BoolVar(&lsDead, "dead", false, "only list blocks with no pins and no referrers")
	lsCmd.Flags().BoolVar(&lsAll, "all", false, "list every block, ignoring other filters")
}
