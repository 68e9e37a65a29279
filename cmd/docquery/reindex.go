package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/docquery/docquery/config"
	"github.com/docquery/docquery/internal/store"
	"github.com/docquery/docquery/internal/vectorindex"
)

// reindexCMD rebuilds the vector index snapshot from the embeddings stored in
// Postgres. Useful after a crash left the snapshot behind the database, or
// when changing the index directory.
func reindexCMD() *cobra.Command {
	var cfgPath string
	var reindex = &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the vector index from stored embeddings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			logger := log.New(log.Writer(), "[REINDEX] ", log.LstdFlags)

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			defer st.DB.Close()

			idx, err := vectorindex.New(cfg.Embedding.Dimension, cfg.Index.Dir, logger)
			if err != nil {
				return err
			}

			ids, vectors, err := st.SurvivingEmbeddings(ctx)
			if err != nil {
				return err
			}
			if err := idx.Rebuild(vectors, ids); err != nil {
				return err
			}
			logger.Printf("index rebuilt with %d vectors", len(ids))
			return nil
		},
	}
	reindex.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return reindex
}
