// Package resource holds the budgets a volume shares between its vector
// cache and index rebuilds.
//
// The cache budget is fail-fast: ReserveCache never blocks, and the vector
// cache evicts and retries when it is refused. Rebuild slots and the rebuild
// read throttle block until the context is done.
//
// A nil *Budget imposes no limits.
package resource
