package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"

	"github.com/eigerco/mulberry/internal/accounts"
	"github.com/eigerco/mulberry/internal/accountsdb"
	"github.com/eigerco/mulberry/internal/checkpoint"
	"github.com/eigerco/mulberry/internal/crypto"
	"github.com/eigerco/mulberry/pkg/log"
)

// main runs an ingest/inspect pass against an account database.
// go run main.go -db ./mulberry-db -ingest 1000 -checkpoints 4
func main() {
	dbPath := flag.String("db", "mulberry-db", "database directory")
	shards := flag.Int("shards", 256, "index shard count (power of two)")
	loglevel := flag.String("loglevel", "info", "log level")
	ingest := flag.Int("ingest", 0, "accounts to write per checkpoint")
	checkpoints := flag.Int("checkpoints", 4, "checkpoints to ingest")
	compact := flag.Bool("compact", false, "run a compaction cycle after ingest")
	flag.Parse()

	lvl, err := log.ParseLogLevel(*loglevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid log level:", err)
		os.Exit(1)
	}
	log.Init(log.Options{LogLevel: lvl, Type: log.ConsoleLogger})

	db, err := accountsdb.Open(*dbPath, accountsdb.Options{ShardCount: *shards})
	if err != nil {
		log.Root.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	if *ingest <= 0 {
		log.Root.Info().Msg("nothing to do, pass -ingest")
		return
	}

	ctx := context.Background()
	db.StartCompactor(ctx)

	var parent checkpoint.Checkpoint
	for i := 0; i < *checkpoints; i++ {
		cp := checkpoint.Checkpoint(i + 1)
		if i == 0 {
			err = db.BeginCheckpoint(cp)
		} else {
			err = db.BeginChildCheckpoint(cp, parent)
		}
		if err != nil {
			log.Root.Fatal().Err(err).Uint64("checkpoint", uint64(cp)).Msg("begin checkpoint")
		}

		for j := 0; j < *ingest; j++ {
			var addr crypto.Address
			if _, err := rand.Read(addr[:]); err != nil {
				log.Root.Fatal().Err(err).Msg("generate address")
			}
			account := accounts.Account{
				Lamports: uint64(j + 1),
				Data:     addr[:16],
			}
			if _, err := db.Append(cp, addr, account); err != nil {
				log.Root.Fatal().Err(err).Msg("append account")
			}
		}

		if err := db.SealCheckpoint(cp); err != nil {
			log.Root.Fatal().Err(err).Uint64("checkpoint", uint64(cp)).Msg("seal checkpoint")
		}
		root, err := db.ComputeDeltaHash(cp)
		if err != nil {
			log.Root.Fatal().Err(err).Uint64("checkpoint", uint64(cp)).Msg("compute delta hash")
		}
		if err := db.RootCheckpoint(cp); err != nil {
			log.Root.Fatal().Err(err).Uint64("checkpoint", uint64(cp)).Msg("root checkpoint")
		}

		stats := db.Stats(cp)
		fmt.Printf("checkpoint %d: root %s, %d accounts, %d live bytes\n",
			cp, root, stats.Count, stats.AliveBytes)
		parent = cp
	}

	if *compact {
		res, err := db.Compact()
		if err != nil {
			log.Root.Fatal().Err(err).Msg("compact")
		}
		fmt.Printf("compacted %d checkpoints: %d reclaimed, %d dropped, %d retained\n",
			res.Checkpoints, res.Reclaimed, res.Dropped, res.Retained)
	}
}
