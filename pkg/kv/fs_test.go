package kv

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"go.uber.org/zap"
)

func TestFSStore(t *testing.T) {
	Convey("Given a fresh context", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		testPath := t.TempDir()
		store := NewFSStore(zap.NewExample(), testPath)
		ns := Namespace("namespace1")

		Convey("Values can be set", func() {
			err := store.Set(ctx, ns, "key1", "value1")
			So(err, ShouldEqual, nil)
		})
		Convey("When reading a set value", func() {
			store.Set(ctx, ns, "key2", "value1")
			returned, err := store.Get(ctx, ns, "key2")
			Convey("The application does not error", func() {
				So(err, ShouldEqual, nil)
			})
			Convey("The value read is equal to the value set", func() {
				So(returned, ShouldEqual, "value1")
			})
		})
		Convey("When reading a value that was not set", func() {
			returned, err := store.Get(ctx, ns, "key3")
			Convey("The application does not error", func() {
				So(err, ShouldEqual, nil)
			})
			Convey("The value is empty", func() {
				So(returned, ShouldEqual, "")
			})
		})
		Convey("When a value is overwritten", func() {
			store.Set(ctx, ns, "key4", "old")
			store.Set(ctx, ns, "key4", "new")
			returned, _ := store.Get(ctx, ns, "key4")
			So(returned, ShouldEqual, "new")
		})
		Convey("When a value is deleted", func() {
			store.Set(ctx, ns, "key5", "value")
			So(store.Delete(ctx, ns, "key5"), ShouldEqual, nil)
			returned, _ := store.Get(ctx, ns, "key5")
			So(returned, ShouldEqual, "")

			Convey("Deleting it again does not error", func() {
				So(store.Delete(ctx, ns, "key5"), ShouldEqual, nil)
			})
		})
		Convey("Keys with path separators stay inside the namespace", func() {
			So(store.Set(ctx, ns, "../escape/key", "value"), ShouldEqual, nil)
			returned, _ := store.Get(ctx, ns, "../escape/key")
			So(returned, ShouldEqual, "value")
			other, _ := store.Get(ctx, Namespace("escape"), "key")
			So(other, ShouldEqual, "")
		})
	})
}

func TestInMemoryStore(t *testing.T) {
	Convey("Given an in-memory store", t, func() {
		ctx := context.Background()
		store := NewInMemoryStore()
		ns := Namespace("namespace1")

		Convey("Deleting from an empty store does not error", func() {
			So(store.Delete(ctx, ns, "missing"), ShouldEqual, nil)
		})
		Convey("Set values can be read and deleted", func() {
			So(store.Set(ctx, ns, "key", "value"), ShouldEqual, nil)
			returned, _ := store.Get(ctx, ns, "key")
			So(returned, ShouldEqual, "value")

			So(store.Delete(ctx, ns, "key"), ShouldEqual, nil)
			returned, _ = store.Get(ctx, ns, "key")
			So(returned, ShouldEqual, "")
		})
	})
}
