package devicestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"go.uber.org/zap"

	"github.com/conductorone/p2pvps-lease/pkg/device"
)

const (
	devicesCollection     = "devicepublicdatas"
	privateDataCollection = "deviceprivatedatas"
)

// publicDoc is the document shape of devicesCollection. Writes go through fieldUpdate so fields
// outside this shape survive.
type publicDoc struct {
	ID               bson.ObjectId `bson:"_id"`
	Name             string        `bson:"deviceName,omitempty"`
	Owner            string        `bson:"ownerUser,omitempty"`
	PrivateData      string        `bson:"privateData,omitempty"`
	Expiration       time.Time     `bson:"expiration,omitempty"`
	CheckinTimeStamp time.Time     `bson:"checkinTimeStamp,omitempty"`
	Memory           int64         `bson:"memory,omitempty"`
	DiskSpace        int64         `bson:"diskSpace,omitempty"`
	Processor        string        `bson:"processor,omitempty"`
	InternetSpeed    int64         `bson:"internetSpeed,omitempty"`
	ListingID        string        `bson:"obContract,omitempty"`
}

// privateDoc is the document shape of privateDataCollection.
type privateDoc struct {
	ID             bson.ObjectId `bson:"_id"`
	PublicData     string        `bson:"publicData,omitempty"`
	ServerSSHPort  int           `bson:"serverSSHPort,omitempty"`
	DeviceUserName string        `bson:"deviceUserName,omitempty"`
	DevicePassword string        `bson:"devicePassword,omitempty"`
}

// Mongo is a Store backed by MongoDB. Record ids are ObjectId hex strings; any other id is
// reported as not found.
type Mongo struct {
	session  *mgo.Session
	database string
}

var _ Store = (*Mongo)(nil)
var _ PortLister = (*Mongo)(nil)

// NewMongo dials url and uses the named database.
func NewMongo(ctx context.Context, url string, database string, timeout time.Duration) (*Mongo, error) {
	session, err := mgo.DialWithTimeout(url, timeout)
	if err != nil {
		return nil, fmt.Errorf("devicestore: mongo: dial: %w", err)
	}
	session.SetMode(mgo.Strong, true)
	session.SetSocketTimeout(timeout)

	ctxzap.Extract(ctx).Debug("device store opened", zap.String("backend", "mongo"), zap.String("database", database))
	return &Mongo{session: session, database: database}, nil
}

func (m *Mongo) Close() error {
	m.session.Close()
	return nil
}

func (m *Mongo) NewID() string {
	return bson.NewObjectId().Hex()
}

func (m *Mongo) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.session.Copy()
	defer s.Close()
	return s.Ping()
}

// collection runs fn against a copied session so concurrent callers do not share a socket.
func (m *Mongo) collection(ctx context.Context, name string, fn func(c *mgo.Collection) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.session.Copy()
	defer s.Close()
	return fn(s.DB(m.database).C(name))
}

func (m *Mongo) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	if !bson.IsObjectIdHex(id) {
		return nil, device.ErrDeviceNotFound
	}
	var doc publicDoc
	err := m.collection(ctx, devicesCollection, func(c *mgo.Collection) error {
		return c.FindId(bson.ObjectIdHex(id)).One(&doc)
	})
	if errors.Is(err, mgo.ErrNotFound) {
		return nil, device.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("devicestore: mongo: get device: %w", err)
	}
	return &device.Device{
		ID:               doc.ID.Hex(),
		Name:             doc.Name,
		Owner:            doc.Owner,
		PrivateDataID:    doc.PrivateData,
		Expiration:       doc.Expiration.UTC(),
		CheckinTimeStamp: doc.CheckinTimeStamp.UTC(),
		Memory:           doc.Memory,
		DiskSpace:        doc.DiskSpace,
		Processor:        doc.Processor,
		InternetSpeed:    doc.InternetSpeed,
		ListingID:        doc.ListingID,
	}, nil
}

func (m *Mongo) SaveDevice(ctx context.Context, d *device.Device) error {
	if !bson.IsObjectIdHex(d.ID) {
		return fmt.Errorf("devicestore: mongo: save device: invalid id %q", d.ID)
	}
	update := fieldUpdate(bson.M{
		"deviceName":       d.Name,
		"ownerUser":        d.Owner,
		"privateData":      d.PrivateDataID,
		"expiration":       d.Expiration,
		"checkinTimeStamp": d.CheckinTimeStamp,
		"memory":           d.Memory,
		"diskSpace":        d.DiskSpace,
		"processor":        d.Processor,
		"internetSpeed":    d.InternetSpeed,
		"obContract":       d.ListingID,
	})
	err := m.collection(ctx, devicesCollection, func(c *mgo.Collection) error {
		_, err := c.UpsertId(bson.ObjectIdHex(d.ID), update)
		return err
	})
	if err != nil {
		return fmt.Errorf("devicestore: mongo: save device: %w", err)
	}
	return nil
}

func (m *Mongo) GetPrivateData(ctx context.Context, id string) (*device.PrivateData, error) {
	if !bson.IsObjectIdHex(id) {
		return nil, device.ErrPrivateDataNotFound
	}
	var doc privateDoc
	err := m.collection(ctx, privateDataCollection, func(c *mgo.Collection) error {
		return c.FindId(bson.ObjectIdHex(id)).One(&doc)
	})
	if errors.Is(err, mgo.ErrNotFound) {
		return nil, device.ErrPrivateDataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("devicestore: mongo: get private data: %w", err)
	}
	return &device.PrivateData{
		ID:             doc.ID.Hex(),
		DeviceID:       doc.PublicData,
		AssignedPort:   doc.ServerSSHPort,
		AccessUsername: doc.DeviceUserName,
		AccessPassword: doc.DevicePassword,
	}, nil
}

func (m *Mongo) SavePrivateData(ctx context.Context, p *device.PrivateData) error {
	if !bson.IsObjectIdHex(p.ID) {
		return fmt.Errorf("devicestore: mongo: save private data: invalid id %q", p.ID)
	}
	update := fieldUpdate(bson.M{
		"publicData":     p.DeviceID,
		"serverSSHPort":  p.AssignedPort,
		"deviceUserName": p.AccessUsername,
		"devicePassword": p.AccessPassword,
	})
	err := m.collection(ctx, privateDataCollection, func(c *mgo.Collection) error {
		_, err := c.UpsertId(bson.ObjectIdHex(p.ID), update)
		return err
	})
	if err != nil {
		return fmt.Errorf("devicestore: mongo: save private data: %w", err)
	}
	return nil
}

func (m *Mongo) AssignedPorts(ctx context.Context) ([]int, error) {
	var docs []privateDoc
	err := m.collection(ctx, privateDataCollection, func(c *mgo.Collection) error {
		return c.Find(bson.M{"serverSSHPort": bson.M{"$gt": 0}}).
			Select(bson.M{"serverSSHPort": 1}).
			Sort("serverSSHPort").
			All(&docs)
	})
	if err != nil {
		return nil, fmt.Errorf("devicestore: mongo: assigned ports: %w", err)
	}
	ports := make([]int, 0, len(docs))
	for _, doc := range docs {
		ports = append(ports, doc.ServerSSHPort)
	}
	return ports, nil
}

// fieldUpdate turns the mapped fields of a record into a $set/$unset update. Zero values are unset,
// matching the omitempty document shape. Fields this adapter does not map are left untouched.
func fieldUpdate(fields bson.M) bson.M {
	set := bson.M{}
	unset := bson.M{}
	for k, v := range fields {
		if isZero(v) {
			unset[k] = ""
		} else {
			set[k] = v
		}
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

func isZero(v interface{}) bool {
	switch v := v.(type) {
	case string:
		return v == ""
	case int:
		return v == 0
	case int64:
		return v == 0
	case time.Time:
		return v.IsZero()
	default:
		return v == nil
	}
}
