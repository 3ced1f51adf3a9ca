package wmsync

import (
	"context"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

const (
	StorageKeyClientId           = "client-id"
	StorageKeyUserId             = "user-id"
	StorageKeyRegisteredSessions = "registered-sessions"
)

const registeredSessionSeparator = ";"

var ErrUnauthenticated = errors.New("unauthenticated")

type Identity struct {
	ClientId Id
	UserId   Id
}

// `identity` is nil on logout
type IdentityFunction = func(identity *Identity)

// owns the durable client and user identity
// and the list of client ids previously used from this storage
type SessionManager struct {
	storage Storage

	stateLock          sync.Mutex
	identity           *Identity
	registeredSessions []Id

	identityCallbacks *CallbackList[IdentityFunction]
}

// a stored client id that is not a uuid leaves the session unauthenticated
func NewSessionManager(ctx context.Context, storage Storage) (*SessionManager, error) {
	session := &SessionManager{
		storage:            storage,
		registeredSessions: []Id{},
		identityCallbacks:  NewCallbackList[IdentityFunction](),
	}

	registeredSessionsStr, _, err := storage.Get(ctx, StorageKeyRegisteredSessions)
	if err != nil {
		return nil, err
	}
	session.registeredSessions = parseRegisteredSessions(registeredSessionsStr)

	clientIdStr, ok, err := storage.Get(ctx, StorageKeyClientId)
	if err != nil {
		return nil, err
	}
	if !ok {
		return session, nil
	}
	clientId, err := ParseId(clientIdStr)
	if err != nil {
		glog.Infof("[session]stored client id is not valid, starting unauthenticated = %s\n", err)
		return session, nil
	}

	userIdStr, _, err := storage.Get(ctx, StorageKeyUserId)
	if err != nil {
		return nil, err
	}
	userId, err := ParseId(userIdStr)
	if err != nil {
		userId = NewId()
		if err := storage.Set(ctx, StorageKeyUserId, userId.String()); err != nil {
			return nil, err
		}
	}

	session.identity = &Identity{
		ClientId: clientId,
		UserId:   userId,
	}
	glog.V(1).Infof("[session]restored client %s user %s\n", clientId, userId)
	return session, nil
}

func parseRegisteredSessions(registeredSessionsStr string) []Id {
	registeredSessions := []Id{}
	for _, clientIdStr := range strings.Split(registeredSessionsStr, registeredSessionSeparator) {
		if clientIdStr == "" {
			continue
		}
		clientId, err := ParseId(clientIdStr)
		if err != nil {
			glog.Infof("[session]drop invalid registered session %s\n", clientIdStr)
			continue
		}
		if !slices.Contains(registeredSessions, clientId) {
			registeredSessions = append(registeredSessions, clientId)
		}
	}
	return registeredSessions
}

func formatRegisteredSessions(registeredSessions []Id) string {
	clientIdStrs := make([]string, 0, len(registeredSessions))
	for _, clientId := range registeredSessions {
		clientIdStrs = append(clientIdStrs, clientId.String())
	}
	return strings.Join(clientIdStrs, registeredSessionSeparator)
}

func (self *SessionManager) AddIdentityCallback(callback IdentityFunction) func() {
	return self.identityCallbacks.Add(callback)
}

func (self *SessionManager) Identity() (Identity, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.identity == nil {
		return Identity{}, false
	}
	return *self.identity, true
}

func (self *SessionManager) RequireIdentity() (Identity, error) {
	identity, ok := self.Identity()
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	return identity, nil
}

// a zero user id generates a fresh one. A zero client id logs out.
func (self *SessionManager) SetIdentity(ctx context.Context, clientId Id, userId Id) (*Identity, error) {
	if clientId.IsZero() {
		return nil, self.Logout(ctx)
	}
	if userId.IsZero() {
		userId = NewId()
	}
	identity := &Identity{
		ClientId: clientId,
		UserId:   userId,
	}

	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if err := self.storage.Set(ctx, StorageKeyClientId, clientId.String()); err != nil {
			return err
		}
		if err := self.storage.Set(ctx, StorageKeyUserId, userId.String()); err != nil {
			return err
		}
		if !slices.Contains(self.registeredSessions, clientId) {
			registeredSessions := slices.Clone(self.registeredSessions)
			registeredSessions = append(registeredSessions, clientId)
			err := self.storage.Set(ctx, StorageKeyRegisteredSessions, formatRegisteredSessions(registeredSessions))
			if err != nil {
				return err
			}
			self.registeredSessions = registeredSessions
		}
		self.identity = identity
		return nil
	}()
	if err != nil {
		return nil, errors.WithMessage(err, "set identity")
	}

	glog.V(1).Infof("[session]identity client %s user %s\n", clientId, userId)
	self.notify(identity)
	return identity, nil
}

// removes the persisted identity. Registered sessions are kept.
func (self *SessionManager) Logout(ctx context.Context) error {
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if err := self.storage.Delete(ctx, StorageKeyClientId); err != nil {
			return err
		}
		if err := self.storage.Delete(ctx, StorageKeyUserId); err != nil {
			return err
		}
		self.identity = nil
		return nil
	}()
	if err != nil {
		return errors.WithMessage(err, "logout")
	}

	glog.V(1).Infof("[session]logout\n")
	self.notify(nil)
	return nil
}

func (self *SessionManager) notify(identity *Identity) {
	for _, callback := range self.identityCallbacks.Get() {
		HandleError(func() {
			callback(identity)
		})
	}
}

// in order of first use
func (self *SessionManager) RegisteredSessions() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.registeredSessions)
}

func (self *SessionManager) RemoveRegisteredSession(ctx context.Context, clientId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.registeredSessions, clientId)
	if i < 0 {
		return nil
	}
	registeredSessions := slices.Clone(self.registeredSessions)
	registeredSessions = slices.Delete(registeredSessions, i, i+1)
	var err error
	if len(registeredSessions) == 0 {
		err = self.storage.Delete(ctx, StorageKeyRegisteredSessions)
	} else {
		err = self.storage.Set(ctx, StorageKeyRegisteredSessions, formatRegisteredSessions(registeredSessions))
	}
	if err != nil {
		return errors.WithMessage(err, "remove registered session")
	}
	self.registeredSessions = registeredSessions
	return nil
}
