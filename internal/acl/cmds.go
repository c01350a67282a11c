package acl

import (
	"context"
	"fmt"

	"github.com/dataplaned/dataplaned/internal/device"
	"github.com/dataplaned/dataplaned/internal/om"
)

// Client is the device protocol boundary for the ACL kind. The engine's
// wire format stays behind this interface.
type Client interface {
	// AddReplace provisions the full rule set under key. A valid h replaces
	// the existing list in place; an invalid h asks the device to allocate
	// a new one. Returns the (possibly new) handle.
	AddReplace(ctx context.Context, h device.Handle, key Key, rules []Rule) (device.Handle, error)

	// Delete removes the list with the given handle from the device.
	Delete(ctx context.Context, h device.Handle) error

	// Dump returns every list currently provisioned on the device.
	Dump(ctx context.Context) ([]DumpRecord, error)
}

// DumpRecord is one list as reported by the device.
type DumpRecord struct {
	Handle device.Handle
	Key    Key
	Rules  []Rule
}

// updateCmd pushes the complete rule set for one list. On success it
// records the assigned handle on the list and registers it in the handle
// index; on failure it records the error result so the next update retries.
type updateCmd struct {
	client Client
	index  *om.HandleIndex[Key, *List]
	list   *List
	rules  []Rule
}

func (c *updateCmd) Exec(ctx context.Context) error {
	old := c.list.Handle().Data()

	h, err := c.client.AddReplace(ctx, old, c.list.key, c.rules)
	if err != nil {
		c.list.setHandle(old, device.ResultError)
		return fmt.Errorf("acl update %q: %w", c.list.key, err)
	}
	c.list.setHandle(h, device.ResultOK)
	c.index.Add(c.list.key, c.list.Handle())
	return nil
}

func (c *updateCmd) String() string {
	return fmt.Sprintf("acl-update:[%s %s rules:%d]", c.list.key, c.list.Handle(), len(c.rules))
}

// deleteCmd removes one list from the device and erases its handle index
// entry regardless of outcome (teardown is best effort).
type deleteCmd struct {
	client Client
	index  *om.HandleIndex[Key, *List]
	list   *List
}

func (c *deleteCmd) Exec(ctx context.Context) error {
	h := c.list.Handle().Data()
	c.index.Remove(h)

	if err := c.client.Delete(ctx, h); err != nil {
		c.list.setHandle(h, device.ResultError)
		return fmt.Errorf("acl delete %q: %w", c.list.key, err)
	}
	c.list.setHandle(device.InvalidHandle, device.ResultUnset)
	return nil
}

func (c *deleteCmd) String() string {
	return fmt.Sprintf("acl-delete:[%s %s]", c.list.key, c.list.Handle())
}

// dumpCmd reads the device's provisioned lists; records are consumed by
// the populate pass after the flush completes.
type dumpCmd struct {
	client  Client
	records []DumpRecord
}

func (c *dumpCmd) Exec(ctx context.Context) error {
	recs, err := c.client.Dump(ctx)
	if err != nil {
		return fmt.Errorf("acl dump: %w", err)
	}
	c.records = recs
	return nil
}

func (c *dumpCmd) String() string {
	return "acl-dump"
}
