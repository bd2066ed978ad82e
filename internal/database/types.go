package database

// IdentityDistance is an identity with its closest embedding distance to a query
type IdentityDistance struct {
	PersonID string
	Name     string
	Distance float64
}
