// history-recovery rebuilds the operation history from the snapshot files
// already present in storage, for when the history file is lost or corrupted.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/supporttools/SiteVault/pkg/config"
	"github.com/supporttools/SiteVault/pkg/history"
	"github.com/supporttools/SiteVault/pkg/snapshot"
)

var (
	dryRun       = flag.Bool("dry-run", false, "Scan and report without writing the history file")
	verbose      = flag.Bool("verbose", false, "Enable verbose logging")
	scanLocal    = flag.Bool("local", true, "Scan local storage for snapshots")
	scanS3       = flag.Bool("s3", true, "Scan the S3 bucket for snapshots")
	forceRebuild = flag.Bool("force", false, "Rebuild even when history entries already exist")
	mergeMode    = flag.Bool("merge", false, "Merge with existing entries instead of replacing them")
)

// requesterID recorded against rebuilt entries
const requesterID = "history-recovery"

// FoundSnapshot describes one snapshot file discovered in storage
type FoundSnapshot struct {
	Name      string
	Location  string
	Size      int64
	CreatedAt time.Time
}

func main() {
	flag.Parse()

	if err := config.LoadConfiguration(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	historyPath := filepath.Join(config.CFG.History.Directory, "history.json")
	store := history.NewFileStore(historyPath)
	if err := store.Load(); err != nil {
		log.Printf("Warning: could not load existing history: %v", err)
	}

	if existing := store.Entries(); len(existing) > 0 {
		switch {
		case *mergeMode:
			log.Printf("Merging with %d existing history entries", len(existing))
		case *forceRebuild:
			log.Printf("Discarding %d existing history entries", len(existing))
			store = history.NewFileStore(historyPath)
		default:
			log.Printf("Found existing history with %d entries. Use -force to rebuild or -merge to merge.", len(existing))
			os.Exit(0)
		}
	}

	log.Println("Starting history recovery...")

	var found []FoundSnapshot

	if *scanLocal && config.CFG.Storage.Local.Directory != "" {
		local := scanLocalStorage(config.CFG.Storage.Local.Directory)
		found = append(found, local...)
		log.Printf("Found %d snapshots in local storage", len(local))
	}

	if *scanS3 && config.CFG.Storage.S3.Bucket != "" {
		remote := scanS3Storage()
		found = append(found, remote...)
		log.Printf("Found %d snapshots in S3 storage", len(remote))
	}

	found = reconcileSnapshots(found)
	entries := buildEntries(found, recordedNames(store))

	var totalSize int64
	for _, f := range found {
		totalSize += f.Size
	}
	log.Printf("\nRecovery summary:")
	log.Printf("- Snapshots found: %d", len(found))
	log.Printf("- Entries to write: %d", len(entries))
	log.Printf("- Total size: %s", humanize.Bytes(uint64(totalSize)))

	if *dryRun {
		log.Println("Dry run completed, no changes were saved")
		return
	}

	if err := store.Import(entries); err != nil {
		log.Fatalf("Failed to save rebuilt history: %v", err)
	}
	log.Println("History saved successfully")
}

// scanLocalStorage walks the snapshot directory for recognizable snapshot
// files, including ones an operator moved into subdirectories.
func scanLocalStorage(dir string) []FoundSnapshot {
	var found []FoundSnapshot

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if *verbose {
				log.Printf("Error accessing path %s: %v", path, err)
			}
			return nil // Continue walking
		}
		if info.IsDir() {
			return nil
		}
		if _, ok := snapshot.FormatOf(info.Name()); !ok {
			if *verbose {
				log.Printf("Skipping file with non-snapshot name: %s", info.Name())
			}
			return nil
		}

		found = append(found, FoundSnapshot{
			Name:      info.Name(),
			Location:  "local",
			Size:      info.Size(),
			CreatedAt: snapshotTime(info.Name(), info.ModTime()),
		})
		return nil
	})
	if err != nil {
		log.Printf("Error walking snapshot directory: %v", err)
	}

	return found
}

// scanS3Storage lists the configured bucket for snapshot files
func scanS3Storage() []FoundSnapshot {
	var found []FoundSnapshot
	s3cfg := config.CFG.Storage.S3

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(s3cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			s3cfg.AccessKey,
			s3cfg.SecretKey,
			"",
		),
		Endpoint:         aws.String(s3cfg.Endpoint),
		S3ForcePathStyle: aws.Bool(s3cfg.PathStyle),
	})
	if err != nil {
		log.Printf("Failed to create S3 session: %v", err)
		return found
	}

	svc := s3.New(sess)

	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(s3cfg.Bucket),
		Prefix: aws.String(s3cfg.Prefix),
	}

	err = svc.ListObjectsV2Pages(params, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			name := filepath.Base(*obj.Key)
			if _, ok := snapshot.FormatOf(name); !ok {
				if *verbose {
					log.Printf("Skipping S3 object with non-snapshot name: %s", *obj.Key)
				}
				continue
			}

			found = append(found, FoundSnapshot{
				Name:      name,
				Location:  "s3",
				Size:      *obj.Size,
				CreatedAt: snapshotTime(name, *obj.LastModified),
			})
		}
		return true // Continue to next page
	})
	if err != nil {
		log.Printf("Error listing S3 objects: %v", err)
	}

	return found
}

// snapshotTime extracts the creation time encoded in a snapshot name, falling
// back to the file modification time for names without one.
func snapshotTime(name string, modTime time.Time) time.Time {
	if _, createdAt, ok := snapshot.ParseFilename(name); ok {
		return createdAt
	}
	return modTime
}

// reconcileSnapshots collapses snapshots found in more than one location down
// to a single record. The S3 copy wins since remote storage is the canonical
// publish destination.
func reconcileSnapshots(found []FoundSnapshot) []FoundSnapshot {
	byName := make(map[string]FoundSnapshot)
	var order []string

	for _, f := range found {
		existing, ok := byName[f.Name]
		if !ok {
			byName[f.Name] = f
			order = append(order, f.Name)
			continue
		}
		if *verbose {
			log.Printf("Found snapshot %s in both local and S3 storage", f.Name)
		}
		if f.Location == "s3" && existing.Location != "s3" {
			byName[f.Name] = f
		}
	}

	reconciled := make([]FoundSnapshot, 0, len(order))
	for _, name := range order {
		reconciled = append(reconciled, byName[name])
	}
	return reconciled
}

// recordedNames returns the snapshot names the store already has backup
// entries for.
func recordedNames(store *history.Store) map[string]bool {
	names := make(map[string]bool)
	for _, e := range store.Entries() {
		if e.Kind == history.KindBackup && e.SnapshotName != "" {
			names[e.SnapshotName] = true
		}
	}
	return names
}

// buildEntries turns discovered snapshots into successful backup entries,
// skipping names the history already records.
func buildEntries(found []FoundSnapshot, existing map[string]bool) []history.Entry {
	var entries []history.Entry
	for _, f := range found {
		if existing[f.Name] {
			if *verbose {
				log.Printf("Skipping already recorded snapshot: %s", f.Name)
			}
			continue
		}

		entries = append(entries, history.Entry{
			ID:           uuid.New().String(),
			Kind:         history.KindBackup,
			Status:       history.StatusSuccess,
			RequesterID:  requesterID,
			SnapshotName: f.Name,
			Location:     f.Location,
			Size:         f.Size,
			StartedAt:    f.CreatedAt,
			CompletedAt:  f.CreatedAt,
		})

		if *verbose {
			log.Printf("Recovered snapshot: %s (%s)", f.Name, f.Location)
		}
	}
	return entries
}
