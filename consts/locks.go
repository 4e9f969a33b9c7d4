package consts

// MigrationAdvisoryLockID guards schema migrations on PostgreSQL so that a
// running server and tidings-admin never migrate concurrently.
const MigrationAdvisoryLockID = 58213907
