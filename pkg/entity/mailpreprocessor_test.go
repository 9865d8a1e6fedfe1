package entity_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/pkg/entity"
	"github.com/cuemby/sink/pkg/sid"
	"github.com/cuemby/sink/pkg/store"
	"github.com/cuemby/sink/pkg/value"
)

func newMailTestStore(t *testing.T) (*entity.Store, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "entitystore.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	schema := value.NewRegistry()
	schema.Register(&value.TypeSchema{
		Type: entity.MailItemType,
		Properties: map[string]value.PropertySchema{
			"mime":             {Kind: value.KindBytes},
			"specialPurpose":   {Kind: value.KindString, Indexed: true},
			"subject":          {Kind: value.KindString},
			"sender":           {Kind: value.KindString},
			"date":             {Kind: value.KindTimestamp},
			"messageId":        {Kind: value.KindString, Indexed: true},
			"parentMessageIds": {Kind: value.KindList, Indexed: true},
			"plainBody":        {Kind: value.KindString},
		},
	})
	schema.Register(&value.TypeSchema{
		Type: entity.MailFolderType,
		Properties: map[string]value.PropertySchema{
			"name":           {Kind: value.KindString},
			"specialPurpose": {Kind: value.KindString, Indexed: true},
		},
	})

	caps := entity.NewCapabilityRegistry()
	caps.Register(entity.MailItemType, entity.Capabilities{
		Adaptor:      entity.JSONAdaptor{Type: entity.MailItemType, Schema: schema},
		Preprocessor: entity.MailPreprocessor{},
	})
	caps.Register(entity.MailFolderType, entity.Capabilities{
		Adaptor: entity.JSONAdaptor{Type: entity.MailFolderType, Schema: schema},
	})

	es := entity.NewStore(db, schema, caps)
	require.NoError(t, es.Bootstrap())
	return es, db
}

const rawMail = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: Hello\r\n" +
	"Message-Id: <msg-1@example.com>\r\n" +
	"References: <root@example.com> <msg-0@example.com>\r\n" +
	"Date: Mon, 2 Jan 2006 15:04:05 +0000\r\n" +
	"\r\n" +
	"Hi Bob, how are you?\r\n"

func TestMailPreprocessorExtractsIndexedProperties(t *testing.T) {
	es, db := newMailTestStore(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	e, err := es.Add(wt, entity.MailItemType, entity.Properties{
		"mime": value.Bytes([]byte(rawMail)),
	}, true)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	subject, ok := e.Properties["subject"].AsString()
	require.True(t, ok)
	require.Equal(t, "Hello", subject)

	sender, ok := e.Properties["sender"].AsString()
	require.True(t, ok)
	require.Equal(t, "Alice <alice@example.com>", sender)

	messageID, ok := e.Properties["messageId"].AsString()
	require.True(t, ok)
	require.Equal(t, "msg-1@example.com", messageID)

	parents, ok := e.Properties["parentMessageIds"].AsList()
	require.True(t, ok)
	require.Len(t, parents, 2)
	last, _ := parents[1].AsString()
	require.Equal(t, "msg-0@example.com", last)

	body, ok := e.Properties["plainBody"].AsString()
	require.True(t, ok)
	require.Contains(t, body, "Hi Bob")

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()
	ids, err := es.IndexLookup(rt, entity.MailItemType, "messageId", value.String("msg-1@example.com"))
	require.NoError(t, err)
	require.Equal(t, []string{e.ID.String()}, idsToStrings(ids))
}

func TestMailPreprocessorGeneratesMessageIDWhenMissing(t *testing.T) {
	es, db := newMailTestStore(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	e, err := es.Add(wt, entity.MailItemType, entity.Properties{
		"mime": value.Bytes([]byte("From: a@example.com\r\nSubject: no id\r\n\r\nbody\r\n")),
	}, true)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	messageID, ok := e.Properties["messageId"].AsString()
	require.True(t, ok)
	require.NotEmpty(t, messageID)
	require.Contains(t, messageID, "@sink")
}

func TestMailPreprocessorDropsNoOpRewrite(t *testing.T) {
	es, db := newMailTestStore(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	e, err := es.Add(wt, entity.MailItemType, entity.Properties{
		"mime": value.Bytes([]byte(rawMail)),
	}, true)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	wt2, err := db.BeginWrite()
	require.NoError(t, err)
	_, err = es.Modify(wt2, entity.MailItemType, e.ID, entity.Properties{
		"mime": value.Bytes([]byte(rawMail)),
	}, true)
	require.ErrorIs(t, err, entity.ErrDropped)
	require.NoError(t, wt2.Rollback())
}

func TestMailPreprocessorEnqueuesSpecialPurposeFolder(t *testing.T) {
	es, db := newMailTestStore(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	_, err = es.Add(wt, entity.MailItemType, entity.Properties{
		"mime":           value.Bytes([]byte(rawMail)),
		"specialPurpose": value.String("drafts"),
	}, true)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	rt, err := db.BeginRead()
	require.NoError(t, err)
	defer rt.Rollback()

	ids, err := es.IndexLookup(rt, entity.MailFolderType, "specialPurpose", value.String("drafts"))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	folder, err := es.ReadLatest(rt, entity.MailFolderType, ids[0])
	require.NoError(t, err)
	name, _ := folder.Properties["name"].AsString()
	require.Equal(t, "Drafts", name)
}

func idsToStrings(ids []sid.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
