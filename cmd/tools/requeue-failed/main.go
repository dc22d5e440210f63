// Command requeue-failed inspects the dead letter archive and returns failed
// videos to the processing queue with a fresh attempt budget.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"streamforge/internal/models"
	"streamforge/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		videoID     string
		all         bool
		list        bool
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&videoID, "video", "", "Video ID to requeue")
	flag.BoolVar(&all, "all", false, "Requeue every dead-lettered video")
	flag.BoolVar(&list, "list", false, "List dead letters without requeuing")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if !list && !all && strings.TrimSpace(videoID) == "" {
		fatalf("one of --list, --video or --all is required")
	}

	repo, err := openRepository(jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	letters := repo.ListDeadLetters()
	if list {
		printStatusCounts(repo)
		printDeadLetters(letters)
		return
	}

	targets := letters
	if !all {
		videoID = strings.TrimSpace(videoID)
		targets = nil
		for _, letter := range letters {
			if letter.VideoID == videoID {
				targets = append(targets, letter)
			}
		}
		if len(targets) == 0 {
			fatalf("no dead letter found for video %s", videoID)
		}
	}

	requeued := 0
	for _, letter := range targets {
		if _, err := repo.RequeueVideo(letter.VideoID); err != nil {
			fmt.Fprintf(os.Stderr, "requeue %s: %v\n", letter.VideoID, err)
			continue
		}
		if err := repo.DeleteDeadLetter(letter.ID); err != nil {
			fmt.Fprintf(os.Stderr, "delete dead letter %s: %v\n", letter.ID, err)
		}
		fmt.Printf("Requeued video %s (previously failed after %d attempts).\n", letter.VideoID, letter.Attempts)
		requeued++
	}
	if requeued == 0 {
		fatalf("no videos requeued")
	}
	fmt.Println("Restart or signal a worker to pick up the requeued videos.")
}

func printStatusCounts(repo storage.Repository) {
	counts := make(map[models.VideoStatus]int)
	for _, video := range repo.ListVideos("") {
		counts[video.Status]++
	}
	fmt.Println("Videos by status:")
	for _, status := range []models.VideoStatus{models.StatusPending, models.StatusProcessing, models.StatusComplete, models.StatusFailed} {
		fmt.Printf("  %-12s %d\n", status, counts[status])
	}
	fmt.Println()
}

func printDeadLetters(letters []models.DeadLetter) {
	if len(letters) == 0 {
		fmt.Println("No dead letters.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VIDEO\tATTEMPTS\tFAILED AT\tERROR")
	for _, letter := range letters {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			letter.VideoID,
			letter.Attempts,
			letter.FailedAt.Format(time.RFC3339),
			letter.Error)
	}
	w.Flush()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		store, err := storage.NewStorage(jsonPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return storage.NewPostgresRepository(ctx, storage.PostgresConfig{DSN: postgresDSN})
}

func closeRepository(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = repo.Close(ctx)
}
