package modelstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeObjectAPI is an in-memory ObjectAPI for tests
type fakeObjectAPI struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int

	listCalls int
	getCalls  int
	failKeys  map[string]int // key -> remaining failures before success
}

func newFakeObjectAPI(objects map[string][]byte) *fakeObjectAPI {
	return &fakeObjectAPI{
		objects:  objects,
		pageSize: 1000,
		failKeys: make(map[string]int),
	}
}

func (f *fakeObjectAPI) sortedKeys() []string {
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeObjectAPI) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	keys := f.sortedKeys()
	start := 0
	if params.ContinuationToken != nil {
		var err error
		start, err = strconv.Atoi(*params.ContinuationToken)
		if err != nil {
			return nil, fmt.Errorf("bad continuation token")
		}
	}

	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(f.objects[k]))),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}

	return out, nil
}

func (f *fakeObjectAPI) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}

	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeObjectAPI) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++

	key := aws.ToString(params.Key)
	if remaining, ok := f.failKeys[key]; ok && remaining > 0 {
		f.failKeys[key] = remaining - 1
		return nil, fmt.Errorf("transient backend error for %s", key)
	}

	data, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func fmtKey(i int) string {
	return fmt.Sprintf("shard-%03d.bin", i)
}
