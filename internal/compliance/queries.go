package compliance

// mfaUsersQuery lists every auth user and whether they have a verified
// second factor.
const mfaUsersQuery = `SELECT
  u.id,
  u.email,
  EXISTS (
    SELECT 1 FROM auth.mfa_factors f
    WHERE f.user_id = u.id AND f.status = 'verified'
  ) AS has_mfa
FROM auth.users u
ORDER BY u.created_at;`

// rlsTablesQuery lists user tables of the public schema with their
// row-security flag and whether any policy exists.
const rlsTablesQuery = `SELECT
  t.schemaname AS schema,
  t.tablename AS name,
  t.rowsecurity AS rls_enabled,
  EXISTS (
    SELECT 1 FROM pg_policies p
    WHERE p.schemaname = t.schemaname AND p.tablename = t.tablename
  ) AS has_policies
FROM pg_tables t
WHERE t.schemaname = 'public'
  AND t.tablename NOT LIKE 'pg\_%'
  AND t.tablename NOT LIKE 'sql\_%'
ORDER BY t.tablename;`
