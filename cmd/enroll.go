package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/config"
	"github.com/kozaktomas/smart-attendance/internal/constants"
	"github.com/kozaktomas/smart-attendance/internal/database/mariadb"
	"github.com/kozaktomas/smart-attendance/internal/roster"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll students from a roster and a photo directory",
	Long: `Enroll every student of a roster into the gallery.

The roster comes from a CSV file with roll_number and name columns
(--roster) or from the MariaDB table configured by ROSTER_DATABASE_URL
and ROSTER_TABLE. Photos are read from <photos>/<roll_number>/*.jpg.

Students with fewer usable photos than --min-photos are skipped.
Without DATABASE_URL the enrollment is computed but not stored.

Examples:
  smart-attendance enroll --roster students.csv --photos students/
  smart-attendance enroll --photos students/ --mean --replace`,
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("roster", "", "Roster CSV file (default: MariaDB roster from ROSTER_DATABASE_URL)")
	enrollCmd.Flags().String("photos", "students", "Directory with one sub-directory of photos per roll number")
	enrollCmd.Flags().Int("min-photos", constants.MinEnrollmentPhotos, "Minimum usable photos per student")
	enrollCmd.Flags().Bool("mean", false, "Store one averaged template per student instead of every embedding")
	enrollCmd.Flags().Bool("replace", false, "Replace existing reference embeddings instead of appending")
	enrollCmd.Flags().Int("concurrency", constants.DefaultConcurrency, "Number of students enrolled in parallel")
}

// enrollFailure records why one student was not enrolled.
type enrollFailure struct {
	RollNumber string
	Err        error
}

// openRoster picks the CSV roster when given, the MariaDB roster otherwise.
func openRoster(path string, cfg *config.Config) (roster.Source, func(), error) {
	if path != "" {
		return roster.CSVSource{Path: path}, func() {}, nil
	}
	if cfg.Roster.DatabaseURL == "" {
		return nil, nil, errors.New("either --roster or ROSTER_DATABASE_URL is required")
	}

	fmt.Printf("Reading roster from MariaDB table %s...\n", cfg.Roster.Table)
	pool, err := mariadb.NewPool(cfg.Roster.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	src, err := mariadb.NewRosterSource(pool, cfg.Roster.Table)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	return src, func() { _ = pool.Close() }, nil
}

// readPhotos loads every photo of a student.
func readPhotos(dir, rollNumber string) ([][]byte, error) {
	paths, err := roster.Photos(dir, rollNumber)
	if err != nil {
		return nil, err
	}
	images := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		images = append(images, data)
	}
	return images, nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rosterPath := mustGetString(cmd, "roster")
	photosDir := mustGetString(cmd, "photos")
	concurrency := mustGetInt(cmd, "concurrency")
	opts := attendance.EnrollOptions{
		Replace:   mustGetBool(cmd, "replace"),
		Mean:      mustGetBool(cmd, "mean"),
		MinImages: mustGetInt(cmd, "min-photos"),
	}
	if concurrency < 1 {
		concurrency = 1
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	src, closeRoster, err := openRoster(rosterPath, cfg)
	if err != nil {
		return err
	}
	defer closeRoster()

	students, err := src.Students(ctx)
	if err != nil {
		return fmt.Errorf("failed to read roster: %w", err)
	}
	if len(students) == 0 {
		fmt.Println("Roster is empty, nothing to enroll")
		return nil
	}

	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabase()
	defer svc.Close()

	fmt.Printf("Enrolling %d students from %s\n", len(students), photosDir)

	bar := progressbar.NewOptions(len(students),
		progressbar.OptionSetDescription("Enrolling"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("students"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	var enrolled, embeddings int64
	var mu sync.Mutex
	var failures []enrollFailure
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, student := range students {
		wg.Add(1)
		go func(st roster.Student) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			defer func() { _ = bar.Add(1) }()

			res, err := enrollStudent(ctx, svc, photosDir, st, opts)
			if err != nil {
				mu.Lock()
				failures = append(failures, enrollFailure{RollNumber: st.RollNumber, Err: err})
				mu.Unlock()
				return
			}
			atomic.AddInt64(&enrolled, 1)
			atomic.AddInt64(&embeddings, int64(res.Identity.EmbeddingCount()))
		}(student)
	}
	wg.Wait()
	_ = bar.Finish()
	fmt.Println()

	sort.Slice(failures, func(i, j int) bool { return failures[i].RollNumber < failures[j].RollNumber })
	for _, f := range failures {
		fmt.Printf("  skipped %s: %v\n", f.RollNumber, f.Err)
	}

	fmt.Printf("\nEnrolled: %d students (%d reference embeddings)\n", enrolled, embeddings)
	fmt.Printf("Skipped:  %d students\n", len(failures))
	if cfg.Database.URL == "" {
		fmt.Println("DATABASE_URL is not set, enrollment was not persisted")
	}
	return nil
}

func enrollStudent(ctx context.Context, svc *attendance.Service, dir string, st roster.Student, opts attendance.EnrollOptions) (attendance.EnrollResult, error) {
	images, err := readPhotos(dir, st.RollNumber)
	if err != nil {
		return attendance.EnrollResult{}, err
	}
	if len(images) < opts.MinImages {
		return attendance.EnrollResult{}, fmt.Errorf("%w: found %d photos, need %d", attendance.ErrTooFewImages, len(images), opts.MinImages)
	}
	return svc.Enroll(ctx, st.RollNumber, st.Name, images, opts)
}
