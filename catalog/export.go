/*
Copyright 2020 The EduKube Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package catalog

// Export is the course description served to the learning-management
// system as aplus-config.json.
type Export struct {
	Name      string           `json:"name"`
	Languages []string         `json:"language,omitempty"`
	Exercises []ExportExercise `json:"exercises"`
}

// ExportExercise is one exercise entry in the course export.
type ExportExercise struct {
	Key       string `json:"key"`
	Title     string `json:"title"`
	MaxPoints int    `json:"max_points,omitempty"`
}

// Export renders the upstream-facing course description.
func (c *Catalog) Export(courseKey string) (*Export, error) {
	course, err := c.Course(courseKey)
	if err != nil {
		return nil, err
	}
	out := &Export{Name: course.Name, Languages: course.Languages}
	for _, ex := range course.Exercises {
		out.Exercises = append(out.Exercises, ExportExercise{
			Key:       ex.Key,
			Title:     ex.Title,
			MaxPoints: ex.MaxPoints,
		})
	}
	return out, nil
}
