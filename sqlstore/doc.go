// Package sqlstore is the relational tier. It maps entities to tables with
// bun, routes statements to one database per shard through a Cluster, and
// groups batch writes into a Session holding one transaction per touched
// shard.
//
// Failures never escape as Go errors from Store operations. They come back as
// outcome.Result values: a missing row is NotFound, an empty update is NoOp,
// anything else is Failed with a transport error attached. A batch is all or
// nothing: the first failing item rolls every shard back and each item is
// reported RolledBack.
//
// # Paging
//
// List queries can be split into pages of a fixed size. Pages are fetched
// with an increasing offset until the reported total is covered or a page
// comes back empty.
package sqlstore
