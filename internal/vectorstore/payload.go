package vectorstore

import (
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/google/uuid"

	"github.com/airp2/storyforge/internal/domain"
)

// PointID derives the deterministic UUIDv5 identity for a scene's vector
// point. Re-vectorizing the same chapter reproduces identical point ids,
// so an upsert replaces rather than duplicates.
func PointID(chapterID string, sceneIndex int) string {
	raw := fmt.Sprintf("%s:%06d", chapterID, sceneIndex)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(raw)).String()
}

func payloadToValues(p domain.VectorPayload) map[string]*pb.Value {
	out := map[string]*pb.Value{
		"text":              str(p.Text),
		"chapter":           str(p.Chapter),
		"chapter_no":        integer(int64(p.ChapterNo)),
		"chapter_title":     str(p.ChapterTitle),
		"scene_index":       integer(int64(p.SceneIndex)),
		"scene_summary":     str(p.SceneSummary),
		"char_count":        integer(int64(p.CharCount)),
		"location":          str(p.Location),
		"time_description":  str(p.TimeDescription),
		"event_summary":     str(p.EventSummary),
		"emotion_tone":      str(p.EmotionTone),
		"plot_significance": str(string(p.PlotSignificance)),
		"spoiler_level":     integer(int64(p.SpoilerLevel)),
		"characters":        strList(p.Characters),
		"key_dialogues":     strList(p.KeyDialogues),
		"character_relations": strList(p.CharacterRelations),
		"aliases":           strList(p.Aliases),
		"entity_tags":       strList(p.EntityTags),
	}
	return out
}

func payloadFromValues(v map[string]*pb.Value) domain.VectorPayload {
	return domain.VectorPayload{
		Text:               getStr(v, "text"),
		Chapter:            getStr(v, "chapter"),
		ChapterNo:          int(getInt(v, "chapter_no")),
		ChapterTitle:       getStr(v, "chapter_title"),
		SceneIndex:         int(getInt(v, "scene_index")),
		SceneSummary:       getStr(v, "scene_summary"),
		CharCount:          int(getInt(v, "char_count")),
		Location:           getStr(v, "location"),
		TimeDescription:    getStr(v, "time_description"),
		EventSummary:       getStr(v, "event_summary"),
		EmotionTone:        getStr(v, "emotion_tone"),
		PlotSignificance:   domain.PlotSignificance(getStr(v, "plot_significance")),
		SpoilerLevel:       int(getInt(v, "spoiler_level")),
		Characters:         getStrList(v, "characters"),
		KeyDialogues:       getStrList(v, "key_dialogues"),
		CharacterRelations: getStrList(v, "character_relations"),
		Aliases:            getStrList(v, "aliases"),
		EntityTags:         getStrList(v, "entity_tags"),
	}
}

func str(s string) *pb.Value { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}} }

func integer(n int64) *pb.Value { return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}} }

func strList(items []string) *pb.Value {
	vals := make([]*pb.Value, len(items))
	for i, s := range items {
		vals[i] = str(s)
	}
	return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
}

func getStr(v map[string]*pb.Value, key string) string {
	if val, ok := v[key]; ok {
		return val.GetStringValue()
	}
	return ""
}

func getInt(v map[string]*pb.Value, key string) int64 {
	if val, ok := v[key]; ok {
		return val.GetIntegerValue()
	}
	return 0
}

func getStrList(v map[string]*pb.Value, key string) []string {
	val, ok := v[key]
	if !ok || val.GetListValue() == nil {
		return nil
	}
	list := val.GetListValue().GetValues()
	out := make([]string, len(list))
	for i, item := range list {
		out[i] = item.GetStringValue()
	}
	return out
}
