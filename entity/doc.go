// Package entity describes persistable entities: how their fields are
// classified across the cache and durable tiers, how mutations are tracked,
// and how values are encoded into cache hashes.
//
// # Declaring an entity
//
// Entities are structs that embed Base and tag their fields with `persist`:
//
//	type User struct {
//		entity.Base
//		Acc     string            `bun:"acc" persist:"acc"`             // cache and db
//		Nick    string            `bun:"nick" persist:"nick,db"`        // db only
//		Online  bool              `bun:"-" persist:"online,cache"`      // cache only
//		GuildID int64             `bun:"guild_id" persist:"guild_id,shard"`
//		Tags    map[string]string `bun:"tags,type:jsonb" persist:"tags"`
//		scratch string            // untracked
//	}
//
// Tag options are cache, db and always (both tiers regardless of other
// markers). shard marks the field used for routing and for collection cache
// keys. A field without a tag, or tagged "-", is untracked.
//
// # Registration
//
// Classification is computed once per type and validated eagerly:
//
//	schema := entity.MustRegister[*User](entity.WithNamespace("us"), entity.WithSoftDelete())
//
// Register fails when Base is missing, a name is declared twice, more than
// one shard field exists, or a db field's bun column differs from its persist
// name.
//
// # Tracking changes
//
// Mutators report every write through Set:
//
//	func (u *User) SetAcc(v string) { entity.Set(u, "acc", &u.Acc, v) }
//
// The tracker ignores writes until it is armed, so loading from a store does
// not count as a change. Repositories arm entities they return; new entities
// are armed once inserted.
//
//	entity.Arm(u)
//	u.SetAcc("alice2")
//	u.Tracker().ChangeSet(entity.TierDB) // map[acc:alice2]
//	u.Tracker().Flush()
//
// # Encoding
//
// FieldCodec flattens an entity into map[string]string for Redis hashes.
// Strings, numbers and booleans use their natural form, times use
// RFC3339Nano, and other values go through a ValueCodec (JSON or msgpack).
package entity
