/*
Package layerfs provides a layered virtual filesystem engine: a lazily built,
event-emitting tree of nodes resolved against an ordered list of delegate
filesystems, with masking, copy-on-write promotion and batched change
notification.

# Overview

A BackendFS exposes one Backend (an in-memory tree, a disk directory, any
absfs or afero filesystem; see the backend package) as a tree of Nodes.
A MultiFS merges several FileSystems into one tree. Both share the same node
cache: children are listed on first use, held weakly, and rebuilt
transparently when their cache slot empties.

# Key Features

  - Delegate precedence: for every path the first delegate holding a valid
    copy is the leader and supplies content and metadata
  - Masks: a zero-length "<name>_hidden" file hides <name> on its delegate
    and on every delegate below
  - Copy-on-write: writes to a copy on a read-only delegate promote it to the
    writable delegate first
  - Attribute merging with tombstones, so clearing an attribute hides a value
    defined by a lower delegate
  - Change events that bubble from the changed node to the root and on to
    filesystem listeners
  - Atomic actions that defer event delivery until the outermost action ends

# Basic Usage

	package main

	import (
	    "context"
	    "io"

	    "github.com/absfs/layerfs"
	    "github.com/absfs/layerfs/backend"
	)

	func main() {
	    ctx := context.Background()

	    overlay, _ := backend.NewMemory("overlay")
	    base, _ := backend.NewDisk("base", "/srv/base", backend.WithReadOnly(true))

	    m := layerfs.NewMultiFS("merged", layerfs.WithDelegates(
	        layerfs.NewBackendFS(overlay),
	        layerfs.NewBackendFS(base),
	    ))

	    // Reads fall through to the base delegate
	    n := m.Find("etc/config.yml")
	    r, _ := n.OpenRead()
	    data, _ := io.ReadAll(r)

	    // Writes go to the overlay delegate; the base copy is left alone
	    l, _ := n.Lock()
	    defer l.Release()
	    w, _ := n.OpenWrite(ctx, l)
	    w.Write(append(data, "\nextra: true\n"...))
	    w.Close()
	}

# Masks

Deleting a node whose copies cannot all be deleted (because a delegate is
read-only) creates a mask on the writable delegate instead:

	n := m.Find("docs/readme.txt") // only on the read-only delegate
	l, _ := n.Lock()
	n.Delete(ctx, l)
	// overlay now holds docs/readme.txt_hidden and the merged docs folder
	// no longer lists readme.txt

Creating the name again removes the mask. WithPropagateMasks lists mask
entries as children so that an overlay used as the delegate of another
overlay passes its deletions on.

# Events and Atomic Actions

	m.Root().AddListener(layerfs.ListenerFunc(func(ctx context.Context, ev layerfs.Event) {
	    fmt.Println(ev.Kind, ev.File.Path())
	}), false)

	err := layerfs.RunAtomicAction(ctx, "import", func(ctx context.Context) error {
	    // events fired here are delivered after fn returns
	    _, err := m.Root().CreateData(ctx, "a.txt")
	    return err
	})

The context returned by BeginAtomicAction carries the action chain; pass it to
every call made inside the action. Listeners registered as priority listeners
see events of the engine's own internal actions as soon as those actions
finish, even inside an outer atomic action.

# Validity

A node stays usable until it is deleted or its filesystem root is replaced
with RefreshRoot (BackendFS.Redirect does so). Replacing the root invalidates
every node handed out before in one step. Read-only queries on invalid nodes
return zero values; mutations fail with ErrInvalidState.

# Limitations

  - Atomic actions batch notification only; a failure halfway through a
    multi-delegate operation is not rolled back
  - Locks are advisory and cover whole files
  - There is no permission model; Chmod, Chown and Chtimes through AbsFS
    report errors.ErrUnsupported
*/
package layerfs
