// Package testutils provides helpers shared by the package tests.
//
// Key components:
//   - SetupTestStore: a migrated in-memory SQLite store, or PostgreSQL
//     when TIDINGS_TEST_DATABASE_URL is set
//   - FileObjectStore: a disk-backed object store standing in for S3
//   - TestList and CreateTestMember for list fixtures
//
// Example usage:
//
//	func TestMyFunction(t *testing.T) {
//		store := testutils.SetupTestStore(t)
//		roster := store // implements mlist.Roster
//		...
//	}
package testutils
