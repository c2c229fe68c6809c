package discord

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// fakeREST is an in-memory guild with roles and members.
type fakeREST struct {
	mu      sync.Mutex
	roles   map[string][]*discordgo.Role // guild -> roles
	members map[string]map[string][]string
	nextID  int

	createErr   error
	createHook  func(guildID, name string) // runs before a failing create returns
	createCalls int
	writeErr    map[string]error // role id -> error
	ops         []string
}

func newFakeREST() *fakeREST {
	return &fakeREST{
		roles:    map[string][]*discordgo.Role{},
		members:  map[string]map[string][]string{},
		writeErr: map[string]error{},
	}
}

func (f *fakeREST) addRole(guildID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addRoleLocked(guildID, name)
}

func (f *fakeREST) addRoleLocked(guildID, name string) string {
	f.nextID++
	id := "r" + strconv.Itoa(f.nextID)
	f.roles[guildID] = append(f.roles[guildID], &discordgo.Role{ID: id, Name: name})
	return id
}

func (f *fakeREST) setMember(guildID, userID string, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[guildID] == nil {
		f.members[guildID] = map[string][]string{}
	}
	f.members[guildID][userID] = roles
}

func (f *fakeREST) memberRoles(guildID, userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.members[guildID][userID])
	slices.Sort(out)
	return out
}

func unknownMemberErr() error {
	return &discordgo.RESTError{
		Response: &http.Response{Status: "404 Not Found", StatusCode: http.StatusNotFound},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMember, Message: "Unknown Member"},
	}
}

func (f *fakeREST) GuildMember(guildID, userID string, _ ...discordgo.RequestOption) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roles, ok := f.members[guildID][userID]
	if !ok {
		return nil, unknownMemberErr()
	}
	return &discordgo.Member{GuildID: guildID, User: &discordgo.User{ID: userID}, Roles: slices.Clone(roles)}, nil
}

func (f *fakeREST) GuildRoles(guildID string, _ ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.roles[guildID]), nil
}

func (f *fakeREST) GuildRoleCreate(guildID string, data *discordgo.RoleParams, _ ...discordgo.RequestOption) (*discordgo.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		if f.createHook != nil {
			f.createHook(guildID, data.Name)
		}
		return nil, f.createErr
	}
	id := f.addRoleLocked(guildID, data.Name)
	color := 0
	if data.Color != nil {
		color = *data.Color
	}
	r := f.roles[guildID][len(f.roles[guildID])-1]
	r.Color = color
	f.ops = append(f.ops, "create "+data.Name)
	return &discordgo.Role{ID: id, Name: data.Name, Color: color}, nil
}

func (f *fakeREST) GuildMemberRoleAdd(guildID, userID, roleID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "add "+roleID)
	if err := f.writeErr[roleID]; err != nil {
		return err
	}
	roles := f.members[guildID][userID]
	if !slices.Contains(roles, roleID) {
		f.members[guildID][userID] = append(roles, roleID)
	}
	return nil
}

func (f *fakeREST) GuildMemberRoleRemove(guildID, userID, roleID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "remove "+roleID)
	if err := f.writeErr[roleID]; err != nil {
		return err
	}
	f.members[guildID][userID] = slices.DeleteFunc(f.members[guildID][userID], func(id string) bool { return id == roleID })
	return nil
}

var errDenied = errors.New("missing permissions")
