// Package persistence coordinates the cache and database tiers for
// registered entity types.
//
// A Repository routes every operation to a shard through a
// sharding.Resolver, writes to the database first, and then keeps the Redis
// hash cache in step:
//
//   - Insert stores the full cache snapshot.
//   - Update sends only the pending database changes, then patches the
//     cached snapshot with the pending cache changes.
//   - Delete removes the row, or flags it when the type was registered
//     WithSoftDelete, and drops the cached snapshot.
//   - Get and GetList read the cache first and fall back to the database,
//     writing what they find back to the cache.
//
// Cache writes after a successful database write are best effort. A failure
// is reported in Result.CacheErr and the affected key is dropped so the next
// read refreshes it. Any write that can change which entities a collection
// holds drops the collection key.
//
// Storage failures come back as outcome.Result values. Only configuration
// mistakes are returned as errors, for example an unarmed entity passed to
// Update. outcome.IsConfig identifies them.
//
// # Example
//
//	repo, err := persistence.New[*User](store, resolver,
//		persistence.WithCache(kv),
//		persistence.WithTTL(time.Hour),
//	)
//
//	u := &User{Acc: "alice", GuildID: 7}
//	res, err := repo.Insert(ctx, u)
//
//	u.SetAcc("alice2")
//	res, err = repo.Update(ctx, u)
//
//	got, res, err := repo.Get(ctx, entity.Key{UID: u.UID, Shard: "7"})
package persistence
