package roster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseCSV(t *testing.T) {
	in := "\ufeffroll_number,name,branch\n21CS002, Bala ,CSE\n21CS001,Asha,CSE\n\n"
	got, err := ParseCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	want := []Student{{"21CS001", "Asha"}, {"21CS002", "Bala"}}
	if len(got) != len(want) {
		t.Fatalf("ParseCSV() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("student %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"missing name column", "roll_number,branch\n1,CSE\n"},
		{"duplicate roll", "roll_number,name\n1,A\n1,B\n"},
		{"ragged row", "roll_number,name\n1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCSV(strings.NewReader(tt.in)); !errors.Is(err, ErrInvalidRoster) {
				t.Errorf("ParseCSV() error = %v, want ErrInvalidRoster", err)
			}
		})
	}
}

func TestCSVSourceAndPhotos(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "students.csv")
	if err := os.WriteFile(path, []byte("roll_no,name\n7,Chitra\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	students, err := CSVSource{Path: path}.Students(context.Background())
	if err != nil {
		t.Fatalf("Students() error = %v", err)
	}
	if len(students) != 1 || students[0].RollNumber != "7" {
		t.Fatalf("Students() = %+v", students)
	}

	photoDir := filepath.Join(dir, "7")
	if err := os.MkdirAll(filepath.Join(photoDir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b.JPG", "a.png", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(photoDir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	photos, err := Photos(dir, "7")
	if err != nil {
		t.Fatalf("Photos() error = %v", err)
	}
	if len(photos) != 2 || filepath.Base(photos[0]) != "a.png" || filepath.Base(photos[1]) != "b.JPG" {
		t.Errorf("Photos() = %v", photos)
	}

	missing, err := Photos(dir, "8")
	if err != nil || len(missing) != 0 {
		t.Errorf("Photos(missing) = %v, %v; want empty, nil", missing, err)
	}
}
