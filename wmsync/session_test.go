package wmsync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/zalando/go-keyring"
)

func TestSessionEmpty(t *testing.T) {
	ctx := context.Background()

	session, err := NewSessionManager(ctx, NewMemoryStorage())
	assert.Equal(t, err, nil)

	_, ok := session.Identity()
	assert.Equal(t, ok, false)
	_, err = session.RequireIdentity()
	assert.Equal(t, err, ErrUnauthenticated)
	assert.Equal(t, session.RegisteredSessions(), []Id{})
}

func TestSessionPersistence(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	session, err := NewSessionManager(ctx, storage)
	assert.Equal(t, err, nil)

	identities := []*Identity{}
	session.AddIdentityCallback(func(identity *Identity) {
		identities = append(identities, identity)
	})

	clientId := NewId()
	userId := NewId()
	identity, err := session.SetIdentity(ctx, clientId, userId)
	assert.Equal(t, err, nil)
	assert.Equal(t, *identity, Identity{ClientId: clientId, UserId: userId})
	assert.Equal(t, len(identities), 1)

	// a new manager on the same storage restores the identity
	restored, err := NewSessionManager(ctx, storage)
	assert.Equal(t, err, nil)
	restoredIdentity, err := restored.RequireIdentity()
	assert.Equal(t, err, nil)
	assert.Equal(t, restoredIdentity, *identity)
	assert.Equal(t, restored.RegisteredSessions(), []Id{clientId})

	assert.Equal(t, session.Logout(ctx), nil)
	assert.Equal(t, len(identities), 2)
	assert.Equal(t, identities[1] == nil, true)
	_, ok := session.Identity()
	assert.Equal(t, ok, false)

	_, ok, _ = storage.Get(ctx, StorageKeyClientId)
	assert.Equal(t, ok, false)
	_, ok, _ = storage.Get(ctx, StorageKeyUserId)
	assert.Equal(t, ok, false)

	// logout keeps the registered sessions
	afterLogout, err := NewSessionManager(ctx, storage)
	assert.Equal(t, err, nil)
	_, ok = afterLogout.Identity()
	assert.Equal(t, ok, false)
	assert.Equal(t, afterLogout.RegisteredSessions(), []Id{clientId})
}

func TestSessionInvalidClientId(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	storage.Set(ctx, StorageKeyClientId, "not-a-uuid")
	storage.Set(ctx, StorageKeyUserId, NewId().String())

	session, err := NewSessionManager(ctx, storage)
	assert.Equal(t, err, nil)
	_, ok := session.Identity()
	assert.Equal(t, ok, false)
}

func TestSessionGeneratesUserId(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	clientId := NewId()
	storage.Set(ctx, StorageKeyClientId, clientId.String())

	session, err := NewSessionManager(ctx, storage)
	assert.Equal(t, err, nil)
	identity, err := session.RequireIdentity()
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.ClientId, clientId)
	assert.Equal(t, identity.UserId.IsZero(), false)

	// the generated user id is persisted
	userIdStr, ok, _ := storage.Get(ctx, StorageKeyUserId)
	assert.Equal(t, ok, true)
	assert.Equal(t, userIdStr, identity.UserId.String())

	// and a zero user id on login also generates one
	identity2, err := session.SetIdentity(ctx, NewId(), Id{})
	assert.Equal(t, err, nil)
	assert.Equal(t, identity2.UserId.IsZero(), false)

	// a zero client id is a logout
	identity3, err := session.SetIdentity(ctx, Id{}, NewId())
	assert.Equal(t, err, nil)
	assert.Equal(t, identity3 == nil, true)
	_, ok = session.Identity()
	assert.Equal(t, ok, false)
}

func TestSessionRegisteredSessions(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	a := NewId()
	b := NewId()
	c := NewId()
	// duplicates and garbage are dropped on load
	storage.Set(ctx, StorageKeyRegisteredSessions, a.String()+";bad;"+b.String()+";"+a.String()+";")

	session, err := NewSessionManager(ctx, storage)
	assert.Equal(t, err, nil)
	assert.Equal(t, session.RegisteredSessions(), []Id{a, b})

	// logging in again with a known client does not duplicate it
	_, err = session.SetIdentity(ctx, b, NewId())
	assert.Equal(t, err, nil)
	_, err = session.SetIdentity(ctx, c, NewId())
	assert.Equal(t, err, nil)
	assert.Equal(t, session.RegisteredSessions(), []Id{a, b, c})

	assert.Equal(t, session.RemoveRegisteredSession(ctx, b), nil)
	assert.Equal(t, session.RegisteredSessions(), []Id{a, c})
	registeredSessionsStr, _, _ := storage.Get(ctx, StorageKeyRegisteredSessions)
	assert.Equal(t, registeredSessionsStr, a.String()+";"+c.String())

	// removing an unknown id is a no-op
	assert.Equal(t, session.RemoveRegisteredSession(ctx, NewId()), nil)

	assert.Equal(t, session.RemoveRegisteredSession(ctx, a), nil)
	assert.Equal(t, session.RemoveRegisteredSession(ctx, c), nil)
	assert.Equal(t, session.RegisteredSessions(), []Id{})
	_, ok, _ := storage.Get(ctx, StorageKeyRegisteredSessions)
	assert.Equal(t, ok, false)
}

func TestSessionKeyring(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	storage := NewKeyringStorage("wmsync-session-test")

	session, err := NewSessionManager(ctx, storage)
	assert.Equal(t, err, nil)
	clientId := NewId()
	_, err = session.SetIdentity(ctx, clientId, NewId())
	assert.Equal(t, err, nil)

	restored, err := NewSessionManager(ctx, storage)
	assert.Equal(t, err, nil)
	identity, err := restored.RequireIdentity()
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.ClientId, clientId)
}
