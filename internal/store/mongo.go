package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wiogate/pkg/types"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Collection names shared with the dashboard API.
const (
	collDevice       = "Device"
	collFilter       = "Filter"
	collWorkspace    = "Workspace"
	collData         = "Data"
	collNotification = "Notification"
	collClient       = "Client"
)

type deviceDoc struct {
	ID                   primitive.ObjectID  `bson:"_id,omitempty"`
	Serial               string              `bson:"serial"`
	MacAddress           string              `bson:"macAddress"`
	ClientID             primitive.ObjectID  `bson:"clientId,omitempty"`
	LocationID           *primitive.ObjectID `bson:"locationId,omitempty"`
	Name                 string              `bson:"name"`
	Type                 string              `bson:"type"`
	Mode                 string              `bson:"mode"`
	Point                string              `bson:"point,omitempty"`
	HardwareVersion      string              `bson:"hardwareVersion"`
	OSVersion            string              `bson:"osVersion,omitempty"`
	KernelVersion        string              `bson:"kernelVersion"`
	TransmissionInterval int                 `bson:"transmissionInterval"`
	LastConnection       time.Time           `bson:"lastConnection"`
	SensorsStatus        string              `bson:"sensorsStatus,omitempty"`
}

type filterDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	DeviceID   primitive.ObjectID `bson:"deviceId"`
	SensorType string             `bson:"sensorType"`
	MinValue   float64            `bson:"minValue"`
	MaxValue   float64            `bson:"maxValue"`
	Unit       string             `bson:"unit"`
	CreatedAt  time.Time          `bson:"createdAt"`
	UpdatedAt  time.Time          `bson:"updatedAt"`
}

type dataDoc struct {
	ID         primitive.ObjectID   `bson:"_id"`
	SensorType string               `bson:"sensorType"`
	Value      float64              `bson:"value"`
	Unit       string               `bson:"unit"`
	Status     string               `bson:"status"`
	Timestamp  primitive.DateTime   `bson:"timestamp"`
	DeviceID   primitive.ObjectID   `bson:"deviceId"`
	LocationID []primitive.ObjectID `bson:"locationId"`
	CreatedAt  primitive.DateTime   `bson:"createdAt"`
}

type notificationDoc struct {
	ID          primitive.ObjectID `bson:"_id"`
	Type        string             `bson:"type"`
	Message     string             `bson:"message"`
	Read        bool               `bson:"read"`
	Severity    string             `bson:"severity"`
	Timestamp   primitive.DateTime `bson:"timestamp"`
	DeviceID    primitive.ObjectID `bson:"deviceId"`
	WorkspaceID primitive.ObjectID `bson:"workspaceId"`
	CreatedAt   primitive.DateTime `bson:"createdAt"`
}

// Mongo is the production store.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger
}

// NewMongo connects to config.URI and pings the primary.
func NewMongo(ctx context.Context, config types.DatabaseConfig, logger *zap.Logger) (*Mongo, error) {
	if config.URI == "" {
		return nil, errors.New("database uri is required for the mongo driver")
	}
	if config.Name == "" {
		return nil, errors.New("database name is required for the mongo driver")
	}

	opts := options.Client().ApplyURI(config.URI)
	if config.Timeout > 0 {
		opts.SetTimeout(config.Timeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log := logger.Named("mongo")
	log.Info("Connected to MongoDB", zap.String("database", config.Name))
	return &Mongo{
		client: client,
		db:     client.Database(config.Name),
		log:    log,
	}, nil
}

func (m *Mongo) DeviceBySerial(ctx context.Context, serial string) (types.Device, error) {
	var doc deviceDoc
	err := m.db.Collection(collDevice).FindOne(ctx, bson.M{"serial": serial}).Decode(&doc)
	if err != nil {
		return types.Device{}, notFound(err, "device "+serial)
	}
	return doc.toDevice(), nil
}

// DeviceContext finds the workspace that lists the device's location.
func (m *Mongo) DeviceContext(ctx context.Context, deviceID string) (types.DeviceContext, error) {
	oid, err := primitive.ObjectIDFromHex(deviceID)
	if err != nil {
		return types.DeviceContext{}, fmt.Errorf("invalid device id %q: %w", deviceID, err)
	}

	var device deviceDoc
	opts := options.FindOne().SetProjection(bson.M{"locationId": 1})
	if err := m.db.Collection(collDevice).FindOne(ctx, bson.M{"_id": oid}, opts).Decode(&device); err != nil {
		return types.DeviceContext{}, notFound(err, "device "+deviceID)
	}
	if device.LocationID == nil {
		return types.DeviceContext{}, fmt.Errorf("location of device %s: %w", deviceID, ErrNotFound)
	}

	// Workspaces store location ids either as ObjectIDs or as hex strings.
	loc := *device.LocationID
	var workspace struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	query := bson.M{"locationId": bson.M{"$in": bson.A{loc, loc.Hex()}}}
	wsOpts := options.FindOne().SetProjection(bson.M{"_id": 1})
	if err := m.db.Collection(collWorkspace).FindOne(ctx, query, wsOpts).Decode(&workspace); err != nil {
		return types.DeviceContext{}, notFound(err, "workspace of device "+deviceID)
	}

	return types.DeviceContext{
		WorkspaceID: workspace.ID.Hex(),
		LocationIDs: []string{loc.Hex()},
	}, nil
}

func (m *Mongo) FindFilter(ctx context.Context, deviceID, sensorType string) (types.Filter, error) {
	oid, err := primitive.ObjectIDFromHex(deviceID)
	if err != nil {
		return types.Filter{}, fmt.Errorf("invalid device id %q: %w", deviceID, err)
	}
	var doc filterDoc
	err = m.db.Collection(collFilter).FindOne(ctx, bson.M{"deviceId": oid, "sensorType": sensorType}).Decode(&doc)
	if err != nil {
		return types.Filter{}, notFound(err, "filter "+sensorType)
	}
	return types.Filter{
		DeviceID:   doc.DeviceID.Hex(),
		SensorType: doc.SensorType,
		MinValue:   doc.MinValue,
		MaxValue:   doc.MaxValue,
		Unit:       doc.Unit,
	}, nil
}

func (m *Mongo) InsertData(ctx context.Context, data []types.Data) error {
	if len(data) == 0 {
		return nil
	}
	now := primitive.NewDateTimeFromTime(time.Now())
	docs := make([]interface{}, 0, len(data))
	for i, d := range data {
		deviceID, err := primitive.ObjectIDFromHex(d.DeviceID)
		if err != nil {
			return fmt.Errorf("invalid device id %q: %w", d.DeviceID, err)
		}
		locations, err := objectIDs(d.LocationIDs)
		if err != nil {
			return err
		}
		id := idOrNew(d.ID)
		data[i].ID = id.Hex()
		docs = append(docs, dataDoc{
			ID:         id,
			SensorType: d.SensorType,
			Value:      d.Value,
			Unit:       d.Unit,
			Status:     d.Status,
			Timestamp:  primitive.NewDateTimeFromTime(d.Timestamp),
			DeviceID:   deviceID,
			LocationID: locations,
			CreatedAt:  now,
		})
	}
	if _, err := m.db.Collection(collData).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert %d data records: %w", len(docs), err)
	}
	return nil
}

func (m *Mongo) InsertNotifications(ctx context.Context, notifications []types.Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	now := primitive.NewDateTimeFromTime(time.Now())
	docs := make([]interface{}, 0, len(notifications))
	for i, n := range notifications {
		deviceID, err := primitive.ObjectIDFromHex(n.DeviceID)
		if err != nil {
			return fmt.Errorf("invalid device id %q: %w", n.DeviceID, err)
		}
		workspaceID, err := primitive.ObjectIDFromHex(n.WorkspaceID)
		if err != nil {
			return fmt.Errorf("invalid workspace id %q: %w", n.WorkspaceID, err)
		}
		id := idOrNew(n.ID)
		notifications[i].ID = id.Hex()
		docs = append(docs, notificationDoc{
			ID:          id,
			Type:        n.Type,
			Message:     n.Message,
			Read:        n.Read,
			Severity:    n.Severity,
			Timestamp:   primitive.NewDateTimeFromTime(n.Timestamp),
			DeviceID:    deviceID,
			WorkspaceID: workspaceID,
			CreatedAt:   now,
		})
	}
	if _, err := m.db.Collection(collNotification).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert %d notifications: %w", len(docs), err)
	}
	return nil
}

func (m *Mongo) ClientByTenant(ctx context.Context, tenantID string) (string, error) {
	var doc struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	opts := options.FindOne().SetProjection(bson.M{"_id": 1})
	if err := m.db.Collection(collClient).FindOne(ctx, bson.M{"tenantId": tenantID}, opts).Decode(&doc); err != nil {
		return "", notFound(err, "client of tenant "+tenantID)
	}
	return doc.ID.Hex(), nil
}

func (m *Mongo) CreateDevice(ctx context.Context, device types.Device) (string, error) {
	clientID, err := primitive.ObjectIDFromHex(device.ClientID)
	if err != nil {
		return "", fmt.Errorf("invalid client id %q: %w", device.ClientID, err)
	}
	doc := deviceDoc{
		Serial:               device.Serial,
		MacAddress:           device.MacAddress,
		ClientID:             clientID,
		Name:                 device.Name,
		Type:                 device.Type,
		Mode:                 device.Mode,
		Point:                `{"latitude":"0","longitude":"0"}`,
		HardwareVersion:      device.HardwareVersion,
		OSVersion:            device.OSVersion,
		KernelVersion:        device.KernelVersion,
		TransmissionInterval: device.TransmissionInterval,
		LastConnection:       device.LastConnection,
	}
	res, err := m.db.Collection(collDevice).InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to create device %s: %w", device.Serial, err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

func (m *Mongo) InsertFilters(ctx context.Context, filters []types.Filter) error {
	if len(filters) == 0 {
		return nil
	}
	now := time.Now()
	docs := make([]interface{}, 0, len(filters))
	for _, f := range filters {
		deviceID, err := primitive.ObjectIDFromHex(f.DeviceID)
		if err != nil {
			return fmt.Errorf("invalid device id %q: %w", f.DeviceID, err)
		}
		docs = append(docs, filterDoc{
			DeviceID:   deviceID,
			SensorType: f.SensorType,
			MinValue:   f.MinValue,
			MaxValue:   f.MaxValue,
			Unit:       f.Unit,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if _, err := m.db.Collection(collFilter).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert %d filters: %w", len(docs), err)
	}
	return nil
}

func (m *Mongo) TouchDevice(ctx context.Context, serial string, at time.Time) error {
	return m.setBySerial(ctx, serial, bson.M{"lastConnection": at})
}

func (m *Mongo) SetSensorsStatus(ctx context.Context, serial, status string) error {
	return m.setBySerial(ctx, serial, bson.M{"sensorsStatus": status})
}

func (m *Mongo) setBySerial(ctx context.Context, serial string, fields bson.M) error {
	res, err := m.db.Collection(collDevice).UpdateOne(ctx, bson.M{"serial": serial}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to update device %s: %w", serial, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("device %s: %w", serial, ErrNotFound)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from mongodb: %w", err)
	}
	m.log.Info("Disconnected from MongoDB")
	return nil
}

func (d deviceDoc) toDevice() types.Device {
	out := types.Device{
		ID:                   d.ID.Hex(),
		Serial:               d.Serial,
		MacAddress:           d.MacAddress,
		Name:                 d.Name,
		Type:                 d.Type,
		Mode:                 d.Mode,
		HardwareVersion:      d.HardwareVersion,
		OSVersion:            d.OSVersion,
		KernelVersion:        d.KernelVersion,
		TransmissionInterval: d.TransmissionInterval,
		LastConnection:       d.LastConnection,
		SensorsStatus:        d.SensorsStatus,
	}
	if !d.ClientID.IsZero() {
		out.ClientID = d.ClientID.Hex()
	}
	return out
}

func notFound(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to find %s: %w", what, err)
}

func objectIDs(hex []string) ([]primitive.ObjectID, error) {
	out := make([]primitive.ObjectID, 0, len(hex))
	for _, h := range hex {
		oid, err := primitive.ObjectIDFromHex(h)
		if err != nil {
			return nil, fmt.Errorf("invalid object id %q: %w", h, err)
		}
		out = append(out, oid)
	}
	return out, nil
}

// idOrNew keeps a caller supplied hex id and generates one otherwise.
func idOrNew(hex string) primitive.ObjectID {
	if oid, err := primitive.ObjectIDFromHex(hex); err == nil {
		return oid
	}
	return primitive.NewObjectID()
}
