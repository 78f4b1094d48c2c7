package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"keywarden/internal/crypto"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Mongo keeps accounts, devices, ciphers and folders in separate collections,
// keyed by uuid. Available for deployments that already run MongoDB; SQLite
// remains the default.
type Mongo struct {
	cli      *mongo.Client
	accounts *mongo.Collection
	devices  *mongo.Collection
	ciphers  *mongo.Collection
	folders  *mongo.Collection
}

func OpenMongo(ctx context.Context, uri, db string) (*Mongo, error) {
	opts := options.Client().ApplyURI(uri)
	cli, err := mongo.NewClient(opts)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := cli.Connect(dialCtx); err != nil {
		return nil, err
	}
	// optional ping
	_ = cli.Ping(dialCtx, readpref.Primary())

	d := cli.Database(db)
	m := &Mongo{
		cli:      cli,
		accounts: d.Collection("accounts"),
		devices:  d.Collection("devices"),
		ciphers:  d.Collection("ciphers"),
		folders:  d.Collection("folders"),
	}

	unique := func(coll *mongo.Collection, key string) {
		_, _ = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: key, Value: 1}},
			Options: options.Index().SetUnique(true),
		})
	}
	unique(m.accounts, "uuid")
	unique(m.accounts, "email")
	unique(m.devices, "uuid")
	unique(m.devices, "refresh_token")
	unique(m.ciphers, "uuid")
	unique(m.folders, "uuid")
	for _, coll := range []*mongo.Collection{m.devices, m.ciphers, m.folders} {
		_, _ = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "account_uuid", Value: 1}},
		})
	}
	return m, nil
}

func (m *Mongo) Close() error {
	return m.cli.Disconnect(context.Background())
}

type accountDoc struct {
	UUID          string    `bson:"uuid"`
	Email         string    `bson:"email"`
	Name          string    `bson:"name,omitempty"`
	EmailVerified bool      `bson:"email_verified"`
	Premium       bool      `bson:"premium"`
	PasswordHash  string    `bson:"password_hash"`
	PasswordHint  string    `bson:"password_hint,omitempty"`
	Key           string    `bson:"key,omitempty"`
	PublicKey     string    `bson:"public_key,omitempty"`
	PrivateKey    string    `bson:"private_key,omitempty"`
	KdfType       int       `bson:"kdf_type"`
	KdfIterations int       `bson:"kdf_iterations"`
	TOTPSecret    string    `bson:"totp_secret,omitempty"`
	SecurityStamp string    `bson:"security_stamp"`
	Culture       string    `bson:"culture,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func (m *Mongo) AccountByUUID(ctx context.Context, uuid string) (*Account, error) {
	return m.findAccount(ctx, bson.M{"uuid": uuid})
}

func (m *Mongo) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	return m.findAccount(ctx, bson.M{"email": strings.ToLower(strings.TrimSpace(email))})
}

func (m *Mongo) findAccount(ctx context.Context, filter bson.M) (*Account, error) {
	var doc accountDoc
	err := m.accounts.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Account{
		UUID:          doc.UUID,
		Email:         doc.Email,
		Name:          doc.Name,
		EmailVerified: doc.EmailVerified,
		Premium:       doc.Premium,
		PasswordHash:  doc.PasswordHash,
		PasswordHint:  doc.PasswordHint,
		Key:           doc.Key,
		PublicKey:     doc.PublicKey,
		PrivateKey:    doc.PrivateKey,
		KdfType:       crypto.KdfType(doc.KdfType),
		KdfIterations: doc.KdfIterations,
		TOTPSecret:    doc.TOTPSecret,
		SecurityStamp: doc.SecurityStamp,
		Culture:       doc.Culture,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}, nil
}

func (m *Mongo) SaveAccount(ctx context.Context, a *Account) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	doc := accountDoc{
		UUID:          a.UUID,
		Email:         a.Email,
		Name:          a.Name,
		EmailVerified: a.EmailVerified,
		Premium:       a.Premium,
		PasswordHash:  a.PasswordHash,
		PasswordHint:  a.PasswordHint,
		Key:           a.Key,
		PublicKey:     a.PublicKey,
		PrivateKey:    a.PrivateKey,
		KdfType:       int(a.KdfType),
		KdfIterations: a.KdfIterations,
		TOTPSecret:    a.TOTPSecret,
		SecurityStamp: a.SecurityStamp,
		Culture:       a.Culture,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	_, err := m.accounts.ReplaceOne(ctx, bson.M{"uuid": a.UUID}, doc,
		options.Replace().SetUpsert(true))
	if isDuplicateKey(err) {
		return ErrDuplicateEmail
	}
	return err
}

type deviceDoc struct {
	UUID         string    `bson:"uuid"`
	AccountUUID  string    `bson:"account_uuid"`
	Name         string    `bson:"name,omitempty"`
	Type         int       `bson:"type"`
	PushToken    string    `bson:"push_token,omitempty"`
	AccessToken  string    `bson:"access_token,omitempty"`
	RefreshToken string    `bson:"refresh_token,omitempty"`
	TokenExpires time.Time `bson:"token_expires_at"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func (m *Mongo) DeviceByUUID(ctx context.Context, uuid string) (*Device, error) {
	return m.findDevice(ctx, bson.M{"uuid": uuid})
}

func (m *Mongo) DeviceByRefreshToken(ctx context.Context, token string) (*Device, error) {
	return m.findDevice(ctx, bson.M{"refresh_token": token})
}

func (m *Mongo) findDevice(ctx context.Context, filter bson.M) (*Device, error) {
	var doc deviceDoc
	err := m.devices.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Device{
		UUID:         doc.UUID,
		AccountUUID:  doc.AccountUUID,
		Name:         doc.Name,
		Type:         doc.Type,
		PushToken:    doc.PushToken,
		AccessToken:  doc.AccessToken,
		RefreshToken: doc.RefreshToken,
		TokenExpires: doc.TokenExpires,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}, nil
}

func (m *Mongo) SaveDevice(ctx context.Context, d *Device) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	doc := deviceDoc{
		UUID:         d.UUID,
		AccountUUID:  d.AccountUUID,
		Name:         d.Name,
		Type:         d.Type,
		PushToken:    d.PushToken,
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		TokenExpires: d.TokenExpires,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	_, err := m.devices.ReplaceOne(ctx, bson.M{"uuid": d.UUID}, doc,
		options.Replace().SetUpsert(true))
	return err
}

func (m *Mongo) DeleteDevice(ctx context.Context, uuid string) error {
	res, err := m.devices.DeleteOne(ctx, bson.M{"uuid": uuid})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

type cipherDoc struct {
	UUID        string    `bson:"uuid"`
	AccountUUID string    `bson:"account_uuid"`
	FolderUUID  string    `bson:"folder_uuid,omitempty"`
	Type        int       `bson:"type"`
	Data        []byte    `bson:"data,omitempty"`
	Favorite    bool      `bson:"favorite"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func (d cipherDoc) cipher() *Cipher {
	return &Cipher{
		UUID:        d.UUID,
		AccountUUID: d.AccountUUID,
		FolderUUID:  d.FolderUUID,
		Type:        d.Type,
		Data:        d.Data,
		Favorite:    d.Favorite,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (m *Mongo) CiphersByAccount(ctx context.Context, accountUUID string) ([]*Cipher, error) {
	cur, err := m.ciphers.Find(ctx, bson.M{"account_uuid": accountUUID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*Cipher
	for cur.Next(ctx) {
		var doc cipherDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.cipher())
	}
	return out, cur.Err()
}

func (m *Mongo) CipherByUUID(ctx context.Context, accountUUID, uuid string) (*Cipher, error) {
	var doc cipherDoc
	err := m.ciphers.FindOne(ctx,
		bson.M{"uuid": uuid, "account_uuid": accountUUID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.cipher(), nil
}

func (m *Mongo) SaveCipher(ctx context.Context, c *Cipher) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	doc := cipherDoc{
		UUID:        c.UUID,
		AccountUUID: c.AccountUUID,
		FolderUUID:  c.FolderUUID,
		Type:        c.Type,
		Data:        c.Data,
		Favorite:    c.Favorite,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	_, err := m.ciphers.ReplaceOne(ctx, bson.M{"uuid": c.UUID}, doc,
		options.Replace().SetUpsert(true))
	return err
}

func (m *Mongo) DeleteCipher(ctx context.Context, accountUUID, uuid string) error {
	res, err := m.ciphers.DeleteOne(ctx,
		bson.M{"uuid": uuid, "account_uuid": accountUUID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

type folderDoc struct {
	UUID        string    `bson:"uuid"`
	AccountUUID string    `bson:"account_uuid"`
	Name        string    `bson:"name,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func (m *Mongo) FoldersByAccount(ctx context.Context, accountUUID string) ([]*Folder, error) {
	cur, err := m.folders.Find(ctx, bson.M{"account_uuid": accountUUID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*Folder
	for cur.Next(ctx) {
		var doc folderDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, &Folder{
			UUID:        doc.UUID,
			AccountUUID: doc.AccountUUID,
			Name:        doc.Name,
			CreatedAt:   doc.CreatedAt,
			UpdatedAt:   doc.UpdatedAt,
		})
	}
	return out, cur.Err()
}

func (m *Mongo) FolderByUUID(ctx context.Context, accountUUID, uuid string) (*Folder, error) {
	var doc folderDoc
	err := m.folders.FindOne(ctx,
		bson.M{"uuid": uuid, "account_uuid": accountUUID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Folder{
		UUID:        doc.UUID,
		AccountUUID: doc.AccountUUID,
		Name:        doc.Name,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

func (m *Mongo) SaveFolder(ctx context.Context, f *Folder) error {
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	doc := folderDoc{
		UUID:        f.UUID,
		AccountUUID: f.AccountUUID,
		Name:        f.Name,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
	_, err := m.folders.ReplaceOne(ctx, bson.M{"uuid": f.UUID}, doc,
		options.Replace().SetUpsert(true))
	return err
}

func (m *Mongo) DeleteFolder(ctx context.Context, accountUUID, uuid string) error {
	res, err := m.folders.DeleteOne(ctx,
		bson.M{"uuid": uuid, "account_uuid": accountUUID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	if _, err := m.ciphers.UpdateMany(ctx,
		bson.M{"account_uuid": accountUUID, "folder_uuid": uuid},
		bson.M{"$unset": bson.M{"folder_uuid": ""}}); err != nil {
		return err
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var wex mongo.WriteException
	if errors.As(err, &wex) {
		for _, we := range wex.WriteErrors {
			if we.Code == 11000 {
				return true
			}
		}
	}
	return false
}
