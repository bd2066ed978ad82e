// Package roster reads the list of students to enroll and locates their photos.
package roster

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidRoster is returned when a roster file cannot be interpreted.
var ErrInvalidRoster = errors.New("invalid roster")

// Student is one roster row. The roll number doubles as the person id.
type Student struct {
	RollNumber string `json:"roll_number"`
	Name       string `json:"name"`
}

// Source lists the students to enroll.
type Source interface {
	Students(ctx context.Context) ([]Student, error)
}

// CSVSource reads students from a CSV file with roll_number and name columns.
type CSVSource struct {
	Path string
}

// Students implements Source.
func (s CSVSource) Students(ctx context.Context) ([]Student, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return ParseCSV(f)
}

// ParseCSV parses a roster. The header must contain roll_number and name;
// other columns are ignored. Rows are returned sorted by roll number.
func ParseCSV(r io.Reader) ([]Student, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrInvalidRoster, err)
	}
	rollCol, nameCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "roll_number", "roll_no":
			rollCol = i
		case "name":
			nameCol = i
		}
	}
	if rollCol < 0 || nameCol < 0 {
		return nil, fmt.Errorf("%w: header needs roll_number and name, got %v", ErrInvalidRoster, header)
	}

	seen := make(map[string]bool)
	var students []Student
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidRoster, line, err)
		}
		roll := strings.TrimSpace(rec[rollCol])
		if roll == "" {
			continue
		}
		if seen[roll] {
			return nil, fmt.Errorf("%w: duplicate roll number %s on line %d", ErrInvalidRoster, roll, line)
		}
		seen[roll] = true
		students = append(students, Student{RollNumber: roll, Name: strings.TrimSpace(rec[nameCol])})
	}

	sort.Slice(students, func(i, j int) bool { return students[i].RollNumber < students[j].RollNumber })
	return students, nil
}

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

// Photos returns the image files in dir/<rollNumber>, sorted by name.
func Photos(dir, rollNumber string) ([]string, error) {
	return Images(filepath.Join(dir, rollNumber))
}

// Images returns the image files directly inside dir, sorted by name. A
// missing directory yields no images.
func Images(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read photo directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
