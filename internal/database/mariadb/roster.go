package mariadb

import (
	"context"
	"fmt"
	"regexp"

	"github.com/kozaktomas/smart-attendance/internal/roster"
)

// RosterSource reads students from a MariaDB table with roll_number and name columns.
type RosterSource struct {
	pool  *Pool
	table string
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewRosterSource creates a roster source over table, defaulting to "students".
func NewRosterSource(pool *Pool, table string) (*RosterSource, error) {
	if table == "" {
		table = "students"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid roster table name %q", table)
	}
	return &RosterSource{pool: pool, table: table}, nil
}

// Students implements roster.Source.
func (s *RosterSource) Students(ctx context.Context) ([]roster.Student, error) {
	// Table names cannot be bound as parameters.
	query := fmt.Sprintf("SELECT roll_number, name FROM `%s` ORDER BY roll_number", s.table)
	rows, err := s.pool.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var students []roster.Student
	for rows.Next() {
		var st roster.Student
		if err := rows.Scan(&st.RollNumber, &st.Name); err != nil {
			return nil, fmt.Errorf("scan roster row: %w", err)
		}
		students = append(students, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster: %w", err)
	}
	return students, nil
}
