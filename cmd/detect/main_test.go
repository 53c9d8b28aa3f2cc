package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"go.viam.com/test"

	"github.com/Brownie44l1/deepfake-api/internal/detector"
)

var sample = []result{
	{File: "a.jpg", Verdict: detector.Verdict{IsFake: false, FakeProbability: 0.1, RealProbability: 0.9, Confidence: 0.9}},
	{File: "b.png", Verdict: detector.Verdict{IsFake: true, FakeProbability: 0.8, RealProbability: 0.2, Confidence: 0.8}},
}

func TestRender(t *testing.T) {
	out := render(sample)
	test.That(t, out, test.ShouldContainSubstring, "a.jpg")
	test.That(t, out, test.ShouldContainSubstring, "FAKE")
	test.That(t, out, test.ShouldContainSubstring, "0.9000")
	test.That(t, out, test.ShouldContainSubstring, "1 FAKE")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	test.That(t, writeJSON(&buf, sample), test.ShouldBeNil)

	var decoded []map[string]interface{}
	test.That(t, json.Unmarshal(buf.Bytes(), &decoded), test.ShouldBeNil)
	test.That(t, decoded, test.ShouldHaveLength, 2)
	test.That(t, decoded[1]["file"], test.ShouldEqual, "b.png")
	test.That(t, decoded[1]["is_fake"], test.ShouldEqual, true)
	test.That(t, decoded[0]["confidence"], test.ShouldEqual, 0.9)
}
