package users

import (
	"context"
	"errors"
	"testing"

	"github.com/Patopm/grupos-estudiantiles-sub000/model"
	"github.com/go-sql-driver/mysql"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type fakeUserRepo struct {
	users  []*model.User
	nextID uint
}

func (r *fakeUserRepo) GetByID(ctx context.Context, id uint) (*model.User, error) {
	for _, user := range r.users {
		if user.ID == id {
			return user, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeUserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	for _, user := range r.users {
		if user.Username == username {
			return user, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	for _, user := range r.users {
		if user.Email == email {
			return user, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeUserRepo) Create(ctx context.Context, user *model.User) error {
	for _, existing := range r.users {
		if existing.Username == user.Username {
			return &mysql.MySQLError{Number: 1062, Message: "Duplicate entry for key 'users.idx_username'"}
		}
		if existing.Email == user.Email {
			return &mysql.MySQLError{Number: 1062, Message: "Duplicate entry for key 'users.idx_email'"}
		}
	}
	r.nextID++
	user.ID = r.nextID
	r.users = append(r.users, user)
	return nil
}

func (r *fakeUserRepo) UpdatePassword(ctx context.Context, userID uint, passwordHash string) error {
	user, err := r.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	user.Password = passwordHash
	return nil
}

func (r *fakeUserRepo) SetDisabled(ctx context.Context, userID uint, disabled bool) error {
	user, err := r.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	user.Disabled = disabled
	return nil
}

func newTestService(t *testing.T) (*UserService, *fakeUserRepo) {
	t.Helper()
	repo := &fakeUserRepo{}
	return NewUserService(repo), repo
}

func TestCreateUserDefaultsToStudent(t *testing.T) {
	svc, _ := newTestService(t)
	user, err := svc.CreateUser(context.Background(), CreateUserOptions{
		Username: "alice", Email: "alice@example.edu", Password: "hunter22",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Role != model.RoleStudent {
		t.Fatalf("role = %s, want student", user.Role)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte("hunter22")) != nil {
		t.Fatal("stored password is not the bcrypt hash of the input")
	}
}

func TestCreateUserDuplicateMapping(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateUser(ctx, CreateUserOptions{Username: "alice", Email: "alice@example.edu", Password: "x"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	_, err := svc.CreateUser(ctx, CreateUserOptions{Username: "alice", Email: "other@example.edu", Password: "x"})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("duplicate username = %v, want ErrUsernameTaken", err)
	}
	_, err = svc.CreateUser(ctx, CreateUserOptions{Username: "bob", Email: "alice@example.edu", Password: "x"})
	if !errors.Is(err, ErrEmailRegistered) {
		t.Fatalf("duplicate email = %v, want ErrEmailRegistered", err)
	}
}

func TestAuthenticateByUsernameOrEmail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateUser(ctx, CreateUserOptions{Username: "alice", Email: "alice@example.edu", Password: "hunter22"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, err := svc.Authenticate(ctx, "alice", "hunter22"); err != nil {
		t.Fatalf("by username: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "alice@example.edu", "hunter22"); err != nil {
		t.Fatalf("by email: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("wrong password = %v, want ErrInvalidPassword", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody", "hunter22"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown identifier = %v, want ErrUserNotFound", err)
	}
}

func TestAuthenticateDisabledAccount(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	user, err := svc.CreateUser(ctx, CreateUserOptions{Username: "alice", Email: "alice@example.edu", Password: "hunter22"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := repo.SetDisabled(ctx, user.ID, true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "alice", "hunter22"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("disabled account = %v, want ErrAccountDisabled", err)
	}
}

func TestUpdatePasswordRehashes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user, err := svc.CreateUser(ctx, CreateUserOptions{Username: "alice", Email: "alice@example.edu", Password: "old-password"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := svc.UpdatePassword(ctx, user.ID, "new-password"); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "alice", "old-password"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("old password still works: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "alice", "new-password"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}
